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
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memoryfab/htm/pkg/tags"
	"github.com/memoryfab/htm/pkg/types"
)

// DefaultTagModel is the default Claude model for tag extraction; a small
// fast model is enough for this task.
const DefaultTagModel = "claude-3-5-haiku-latest"

const tagSystemPrompt = `You label snippets of agent memory with hierarchical tags.
Return ONLY a comma-separated list of tags, nothing else.
Tags are lowercase alphanumerics with at most four colon-separated levels,
e.g. database:postgresql:performance. Prefer reusing the existing tags when
they fit. Return at most five tags.`

// AnthropicTagExtractor derives hierarchical tags with the Claude API.
type AnthropicTagExtractor struct {
	client   anthropic.Client
	model    string
	maxDepth int
}

// AnthropicTagExtractorConfig holds configuration for the tag extractor.
type AnthropicTagExtractorConfig struct {
	APIKey   string
	Model    string        // Default: claude-3-5-haiku-latest
	Timeout  time.Duration // Default: 15s
	MaxDepth int           // Default: 4
}

// NewAnthropicTagExtractor creates a Claude-backed tag extractor.
func NewAnthropicTagExtractor(config AnthropicTagExtractorConfig) *AnthropicTagExtractor {
	if config.Model == "" {
		config.Model = DefaultTagModel
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxDepth <= 0 || config.MaxDepth > tags.MaxDepth {
		config.MaxDepth = tags.MaxDepth
	}

	opts := []option.RequestOption{option.WithRequestTimeout(config.Timeout)}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}

	return &AnthropicTagExtractor{
		client:   anthropic.NewClient(opts...),
		model:    config.Model,
		maxDepth: config.MaxDepth,
	}
}

// ExtractTags asks the model for tags and returns only those surviving
// normalisation and validation. Failures wrap in types.TagError.
func (e *AnthropicTagExtractor) ExtractTags(ctx context.Context, text string, existingSample []string) ([]string, error) {
	var prompt strings.Builder
	if len(existingSample) > 0 {
		prompt.WriteString("Existing tags: ")
		prompt.WriteString(strings.Join(existingSample, ", "))
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Content:\n")
	prompt.WriteString(text)

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: tagSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, &types.TagError{Err: err}
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return nil, &types.TagError{Err: fmt.Errorf("model returned no text content")}
	}

	return tags.Sanitize(tags.SplitPayload(out.String()), e.maxDepth), nil
}

var _ TagExtractor = (*AnthropicTagExtractor)(nil)
