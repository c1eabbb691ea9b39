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

// Package tags parses, normalises, and validates the hierarchical
// colon-delimited tags attached to memory nodes, e.g.
// "database:postgresql:performance".
package tags

import (
	"regexp"
	"strings"

	"github.com/memoryfab/htm/pkg/types"
)

// MaxDepth is the maximum number of hierarchy levels a tag may carry.
const MaxDepth = 4

// tagPattern matches a lowercase root level plus up to three sub-levels.
// Hyphens are allowed in sub-levels only.
var tagPattern = regexp.MustCompile(`^[a-z0-9]+(:[a-z0-9-]+){0,3}$`)

// Hierarchy is the decomposition of a single tag.
type Hierarchy struct {
	// Root is the first level, e.g. "database".
	Root string

	// Parent is the tag minus its last level, empty for root-only tags.
	Parent string

	// Levels are all levels in order.
	Levels []string

	// Depth is len(Levels), in [1, MaxDepth].
	Depth int
}

// Valid reports whether a single already-normalised tag is well formed.
func Valid(tag string) bool {
	return tagPattern.MatchString(tag)
}

// Normalize lowercases and trims a raw tag. It does not validate.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseHierarchy decomposes a tag into its levels.
// Returns InvalidInput for tags that fail validation.
func ParseHierarchy(tag string) (Hierarchy, error) {
	tag = Normalize(tag)
	if !Valid(tag) {
		return Hierarchy{}, types.NewInvalidInput("malformed tag %q", tag)
	}

	levels := strings.Split(tag, ":")
	h := Hierarchy{
		Root:   levels[0],
		Levels: levels,
		Depth:  len(levels),
	}
	if len(levels) > 1 {
		h.Parent = strings.Join(levels[:len(levels)-1], ":")
	}
	return h, nil
}

// Sanitize takes raw extractor output and returns only the surviving tags:
// normalised, deduplicated, matching the pattern, and within maxDepth
// levels. Order of first appearance is preserved. Tags that fail are
// dropped silently; the extractor's output is otherwise kept verbatim.
func Sanitize(raw []string, maxDepth int) []string {
	if maxDepth <= 0 || maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		tag := Normalize(r)
		if tag == "" || !Valid(tag) {
			continue
		}
		if strings.Count(tag, ":")+1 > maxDepth {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// SplitPayload turns a raw extractor payload into candidate tag strings.
// Extractors return either a list of strings or a single delimited string;
// commas and newlines both act as delimiters.
func SplitPayload(payload string) []string {
	fields := strings.FieldsFunc(payload, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MatchesQueryToken reports whether any hierarchy level of the tag equals
// one of the lowercase query tokens.
func MatchesQueryToken(tag string, tokens map[string]struct{}) bool {
	for _, level := range strings.Split(tag, ":") {
		if _, ok := tokens[level]; ok {
			return true
		}
	}
	return false
}

// QueryTokens splits a free-text query into lowercase word tokens for tag
// matching.
func QueryTokens(query string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w != "" {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

// Jaccard computes |intersection| / |union| of two tag sets.
// Returns 0 when either set is empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
