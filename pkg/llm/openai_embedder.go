// Copyright 2026 Memoryfab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/memoryfab/htm/pkg/types"
)

// Default OpenAI embedding configuration values. Overridable via
// OPENAI_API_ENDPOINT / OPENAI_API_KEY environment variables.
const (
	DefaultEmbeddingModel    = "text-embedding-3-small"
	DefaultEmbeddingEndpoint = "https://api.openai.com/v1/embeddings"
	DefaultEmbeddingTimeout  = 15 * time.Second
	DefaultEmbeddingDims     = 1536
)

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
// Works against OpenAI itself and self-hosted compatible servers.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	endpoint   string
	dimensions int
	httpClient *http.Client
}

// OpenAIEmbedderConfig holds configuration for the embedder.
type OpenAIEmbedderConfig struct {
	APIKey     string
	Model      string        // Default: text-embedding-3-small
	Endpoint   string        // Default: https://api.openai.com/v1/embeddings
	Dimensions int           // Default: 1536
	Timeout    time.Duration // Default: 15s
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API.
func NewOpenAIEmbedder(config OpenAIEmbedderConfig) *OpenAIEmbedder {
	if config.Model == "" {
		config.Model = DefaultEmbeddingModel
	}
	if config.Endpoint == "" {
		if env := os.Getenv("OPENAI_API_ENDPOINT"); env != "" {
			config.Endpoint = env
		} else {
			config.Endpoint = DefaultEmbeddingEndpoint
		}
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.Dimensions == 0 {
		config.Dimensions = DefaultEmbeddingDims
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultEmbeddingTimeout
	}

	return &OpenAIEmbedder{
		apiKey:     config.APIKey,
		model:      config.Model,
		endpoint:   config.Endpoint,
		dimensions: config.Dimensions,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Dimensions returns the configured output vector length.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding for text. Failures are wrapped in
// types.EmbeddingError, including a vector of unexpected length.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, &types.EmbeddingError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &types.EmbeddingError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &types.EmbeddingError{Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &types.EmbeddingError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &types.EmbeddingError{
			Err: fmt.Errorf("embedding API returned %d: %s", resp.StatusCode, truncate(string(payload), 200)),
		}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &types.EmbeddingError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &types.EmbeddingError{Err: fmt.Errorf("embedding API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Data) == 0 {
		return nil, &types.EmbeddingError{Err: fmt.Errorf("embedding API returned no data")}
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, &types.EmbeddingError{
			Err: fmt.Errorf("expected %d dimensions, got %d", e.dimensions, len(vec)),
		}
	}
	return vec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Embedder = (*OpenAIEmbedder)(nil)
