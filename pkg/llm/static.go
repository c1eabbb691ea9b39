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
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/memoryfab/htm/pkg/tags"
)

// HashEmbedder produces deterministic pseudo-embeddings derived from the
// content hash. Equal texts map to equal vectors, so dedup and similarity
// plumbing can be exercised without a provider. Not semantically
// meaningful; for tests and offline development.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates a deterministic embedder with dims dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{Dims: dims}
}

// Dimensions returns the vector length.
func (e *HashEmbedder) Dimensions() int { return e.Dims }

// Embed derives a unit-norm vector from repeated hashing of the text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.Dims)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	digest := seed
	for i := 0; i < e.Dims; i++ {
		if i%8 == 0 && i > 0 {
			digest = sha256.Sum256(digest[:])
		}
		bits := binary.BigEndian.Uint32(digest[(i%8)*4 : (i%8)*4+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// KeywordTagExtractor tags content from a fixed keyword-to-tag lookup.
// For tests and offline development.
type KeywordTagExtractor struct {
	// Lookup maps a lowercase keyword to the tag it produces.
	Lookup map[string]string
}

// ExtractTags returns the tags whose keywords occur in the text.
func (e *KeywordTagExtractor) ExtractTags(_ context.Context, text string, _ []string) ([]string, error) {
	tokens := tags.QueryTokens(text)
	var out []string
	for keyword, tag := range e.Lookup {
		if _, ok := tokens[keyword]; ok {
			out = append(out, tag)
		}
	}
	return tags.Sanitize(out, tags.MaxDepth), nil
}

var (
	_ Embedder     = (*HashEmbedder)(nil)
	_ TagExtractor = (*KeywordTagExtractor)(nil)
)
