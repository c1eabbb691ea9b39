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
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfab/htm/pkg/types"
)

func TestTiktokenCounter(t *testing.T) {
	tc := DefaultTokenCounter()

	assert.Zero(t, tc.CountTokens(""))
	assert.Greater(t, tc.CountTokens("PostgreSQL is great"), 0)

	// Longer text counts more tokens.
	short := tc.CountTokens("hello")
	long := tc.CountTokens("hello hello hello hello hello hello")
	assert.Greater(t, long, short)
}

func TestWordCounter(t *testing.T) {
	wc := WordCounter{}
	assert.Equal(t, 0, wc.CountTokens(""))
	assert.Equal(t, 4, wc.CountTokens("one two  three\nfour"))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "PostgreSQL is great")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "PostgreSQL is great")
	require.NoError(t, err)
	v3, err := e.Embed(ctx, "something else")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, v3)
	assert.Len(t, v1, 64)
	assert.Equal(t, 64, e.Dimensions())

	// Unit norm within float tolerance.
	var norm float64
	for _, v := range v1 {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestKeywordTagExtractor(t *testing.T) {
	e := &KeywordTagExtractor{Lookup: map[string]string{
		"postgresql": "database:postgresql",
		"kubernetes": "infra:kubernetes",
	}}

	got, err := e.ExtractTags(context.Background(), "Tuning PostgreSQL indexes", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"database:postgresql"}, got)
}

func TestOpenAIEmbedder_Success(t *testing.T) {
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		resp := embeddingResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
		}{Embedding: vec})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     "test-key",
		Endpoint:   srv.URL,
		Dimensions: 8,
	})

	got, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, vec, got)
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
		}{Embedding: []float32{1, 2, 3}})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{Endpoint: srv.URL, Dimensions: 8, APIKey: "k"})

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)

	var embErr *types.EmbeddingError
	assert.True(t, errors.As(err, &embErr))
}

func TestOpenAIEmbedder_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{Endpoint: srv.URL, Dimensions: 8, APIKey: "k"})

	_, err := e.Embed(context.Background(), "hello")
	var embErr *types.EmbeddingError
	require.True(t, errors.As(err, &embErr))
	assert.Contains(t, err.Error(), "429")
}
