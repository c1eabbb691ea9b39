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
package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	cases := []struct {
		tag  string
		want bool
	}{
		{"database", true},
		{"database:postgresql", true},
		{"database:postgresql:performance", true},
		{"database:postgresql:performance:tuning", true},
		{"database:postgresql:performance:tuning:extra", false}, // depth 5
		{"Database", false},          // uppercase
		{"data base", false},         // space
		{"db:post-gres", true},       // hyphen allowed in sub-level
		{"-leading:x", false},        // root is alnum only
		{"db:", false},               // empty level
		{":db", false},               // empty root
		{"", false},                  // empty
		{"db::x", false},             // empty middle level
		{"a1:b-2:c3", true},          // digits
		{"tag_with_underscore", false},
	}

	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			assert.Equal(t, tc.want, Valid(tc.tag), "tag %q", tc.tag)
		})
	}
}

func TestParseHierarchy(t *testing.T) {
	h, err := ParseHierarchy("database:postgresql:performance")
	require.NoError(t, err)

	assert.Equal(t, "database", h.Root)
	assert.Equal(t, "database:postgresql", h.Parent)
	assert.Equal(t, []string{"database", "postgresql", "performance"}, h.Levels)
	assert.Equal(t, 3, h.Depth)
}

func TestParseHierarchy_RootOnly(t *testing.T) {
	h, err := ParseHierarchy("kubernetes")
	require.NoError(t, err)

	assert.Equal(t, "kubernetes", h.Root)
	assert.Empty(t, h.Parent)
	assert.Equal(t, 1, h.Depth)
}

func TestParseHierarchy_NormalisesBeforeValidating(t *testing.T) {
	h, err := ParseHierarchy("  Database:PostgreSQL  ")
	require.NoError(t, err)
	assert.Equal(t, "database", h.Root)
}

func TestParseHierarchy_Malformed(t *testing.T) {
	_, err := ParseHierarchy("not a tag")
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	raw := []string{
		"Database:PostgreSQL",
		"database:postgresql", // duplicate after normalisation
		"BAD TAG",
		"  golang  ",
		"a:b:c:d:e", // too deep
		"",
	}

	got := Sanitize(raw, 4)
	assert.Equal(t, []string{"database:postgresql", "golang"}, got)
}

func TestSanitize_MaxDepthOverride(t *testing.T) {
	got := Sanitize([]string{"a:b:c", "a:b"}, 2)
	assert.Equal(t, []string{"a:b"}, got)
}

func TestSplitPayload(t *testing.T) {
	payload := "database:postgresql, infra:kubernetes\nmonitoring"
	got := SplitPayload(payload)
	assert.Equal(t, []string{"database:postgresql", "infra:kubernetes", "monitoring"}, got)
}

func TestQueryTokensAndMatch(t *testing.T) {
	tokens := QueryTokens("What about PostgreSQL performance?")

	assert.Contains(t, tokens, "postgresql")
	assert.Contains(t, tokens, "performance")

	assert.True(t, MatchesQueryToken("database:postgresql:tuning", tokens))
	assert.False(t, MatchesQueryToken("infra:kubernetes", tokens))
}

func TestJaccard(t *testing.T) {
	a := []string{"db:pg", "infra"}
	b := []string{"db:pg", "monitoring"}

	// intersection 1, union 3
	assert.InDelta(t, 1.0/3.0, Jaccard(a, b), 1e-12)

	assert.Zero(t, Jaccard(nil, b))
	assert.Zero(t, Jaccard(a, nil))
	assert.InDelta(t, 1.0, Jaccard(a, a), 1e-12)
}
