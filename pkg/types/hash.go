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
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalizeContent normalises content before hashing: leading and
// trailing whitespace is stripped so padding differences do not defeat
// deduplication. The visible content stored in the node is not modified.
func CanonicalizeContent(content string) string {
	return strings.TrimSpace(content)
}

// HashContent returns the hex-encoded SHA-256 of the canonicalised content.
// Stable across processes for the same bytes; used as the dedup key.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(CanonicalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
