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
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens with the cl100k_base encoding, a good
// approximation across current chat models. When the encoding cannot be
// loaded it degrades to a word count, so counting never fails.
type TiktokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalCounter *TiktokenCounter
	counterOnce   sync.Once
)

// DefaultTokenCounter returns the process-wide tiktoken counter.
func DefaultTokenCounter() *TiktokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			globalCounter = &TiktokenCounter{encoder: nil}
			return
		}
		globalCounter = &TiktokenCounter{encoder: enc}
	})
	return globalCounter
}

// CountTokens returns the token count for text, never less than zero.
func (tc *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if tc.encoder == nil {
		return wordCount(text)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// WordCounter is a dependency-free fallback counter.
type WordCounter struct{}

// CountTokens approximates tokens as whitespace-delimited words.
func (WordCounter) CountTokens(text string) int {
	return wordCount(text)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

var (
	_ TokenCounter = (*TiktokenCounter)(nil)
	_ TokenCounter = WordCounter{}
)
