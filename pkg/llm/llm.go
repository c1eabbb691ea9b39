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

// Package llm defines the external callables the memory engine consumes:
// an embedding provider, a tag extractor, and a token counter. Provider
// bindings live beside the interfaces; callers may supply their own
// implementations.
package llm

import (
	"context"
)

// Embedder converts text into a fixed-length dense vector.
// Implementations may block on network I/O and should honour ctx.
type Embedder interface {
	// Embed returns the embedding for text. The vector length must equal
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the model's output vector length.
	Dimensions() int
}

// TagExtractor derives hierarchical tags for a piece of content.
// existingSample is a small set of tag names already in the store, passed
// so the extractor can reuse the established vocabulary.
type TagExtractor interface {
	ExtractTags(ctx context.Context, text string, existingSample []string) ([]string, error)
}

// TokenCounter counts tokens in text. Must not fail: implementations fall
// back to an approximation rather than returning an error.
type TokenCounter interface {
	CountTokens(text string) int
}
