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
package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfab/htm/pkg/types"
)

var wmBase = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newTestWM(maxTokens int) *WorkingMemory {
	wm := NewWorkingMemory(maxTokens)
	wm.SetClock(func() time.Time { return wmBase })
	return wm
}

func TestWorkingMemory_AddAndInvariant(t *testing.T) {
	wm := newTestWM(100)

	evicted, err := wm.Add(1, "first", 40, AddOptions{})
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 40, wm.TokenCount())
	assert.True(t, wm.Has(1))

	_, err = wm.Add(2, "second", 50, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, 90, wm.TokenCount())
	assert.InDelta(t, 90.0, wm.UtilisationPercentage(), 0.001)

	// Budget invariant holds after every call.
	assert.LessOrEqual(t, wm.TokenCount(), wm.MaxTokens())
}

func TestWorkingMemory_OversizeEntryRejected(t *testing.T) {
	wm := newTestWM(100)

	_, err := wm.Add(1, "huge", 101, AddOptions{})
	assert.True(t, types.IsInvalidInput(err))
	assert.Zero(t, wm.NodeCount())
}

func TestWorkingMemory_EvictionOrder(t *testing.T) {
	wm := newTestWM(100)

	// Eviction order: access_count asc, last_accessed asc, node_id asc.
	_, err := wm.Add(1, "cold old", 30, AddOptions{AccessCount: 0, LastAccessed: wmBase.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = wm.Add(2, "cold newer", 30, AddOptions{AccessCount: 0, LastAccessed: wmBase.Add(-1 * time.Hour)})
	require.NoError(t, err)
	_, err = wm.Add(3, "hot", 30, AddOptions{AccessCount: 5, LastAccessed: wmBase.Add(-3 * time.Hour)})
	require.NoError(t, err)

	// Needs 50 tokens: evicts node 1 (coldest, oldest) then node 2.
	evicted, err := wm.Add(4, "incoming", 60, AddOptions{})
	require.NoError(t, err)
	require.Len(t, evicted, 2)
	assert.Equal(t, types.NodeID(1), evicted[0].NodeID)
	assert.Equal(t, types.NodeID(2), evicted[1].NodeID)
	assert.True(t, wm.Has(3))
	assert.True(t, wm.Has(4))
	assert.LessOrEqual(t, wm.TokenCount(), wm.MaxTokens())
}

func TestWorkingMemory_EvictionTieBreaksByNodeID(t *testing.T) {
	wm := newTestWM(90)

	same := wmBase.Add(-time.Hour)
	for id := types.NodeID(3); id >= 1; id-- {
		_, err := wm.Add(id, "entry", 30, AddOptions{LastAccessed: same})
		require.NoError(t, err)
	}

	evicted := wm.EvictToMakeSpace(30)
	require.Len(t, evicted, 1)
	assert.Equal(t, types.NodeID(1), evicted[0].NodeID)
}

func TestWorkingMemory_EvictionStopsAtBudget(t *testing.T) {
	wm := newTestWM(100)

	_, _ = wm.Add(1, "a", 40, AddOptions{LastAccessed: wmBase.Add(-3 * time.Hour)})
	_, _ = wm.Add(2, "b", 40, AddOptions{LastAccessed: wmBase.Add(-2 * time.Hour)})

	// Freeing 40 tokens needs exactly one eviction.
	evicted := wm.EvictToMakeSpace(40)
	require.Len(t, evicted, 1)
	assert.Equal(t, types.NodeID(1), evicted[0].NodeID)
	assert.True(t, wm.Has(2))
}

func TestWorkingMemory_RemoveIdempotent(t *testing.T) {
	wm := newTestWM(100)
	_, _ = wm.Add(1, "a", 10, AddOptions{})

	wm.Remove(1)
	wm.Remove(1)
	assert.Zero(t, wm.NodeCount())
	assert.Zero(t, wm.TokenCount())
}

func TestWorkingMemory_ReAddRefreshesInPlace(t *testing.T) {
	wm := newTestWM(100)
	_, _ = wm.Add(1, "old text", 40, AddOptions{})

	_, err := wm.Add(1, "new text", 60, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, wm.NodeCount())
	assert.Equal(t, 60, wm.TokenCount())

	entries := wm.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "new text", entries[0].Content)
}

func TestWorkingMemory_RefreshNeverEvictsItself(t *testing.T) {
	wm := newTestWM(100)

	_, _ = wm.Add(1, "cold", 40, AddOptions{LastAccessed: wmBase.Add(-3 * time.Hour)})
	_, _ = wm.Add(2, "hot", 50, AddOptions{AccessCount: 9, LastAccessed: wmBase})

	// Growing node 1 to 60 forces an eviction. The refreshed entry must
	// not be a candidate even though it is the coldest.
	evicted, err := wm.Add(1, "cold but longer", 60, AddOptions{})
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, types.NodeID(2), evicted[0].NodeID)

	assert.True(t, wm.Has(1))
	assert.Equal(t, 60, wm.TokenCount())

	entries := wm.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "cold but longer", entries[0].Content)
	assert.Equal(t, entries[0].TokenCount, wm.TokenCount())
}

func TestWorkingMemory_AssembleContextStrategies(t *testing.T) {
	wm := newTestWM(1000)

	_, _ = wm.Add(1, "alpha", 10, AddOptions{AccessCount: 1, LastAccessed: wmBase.Add(-1 * time.Hour)})
	_, _ = wm.Add(2, "beta", 10, AddOptions{AccessCount: 9, LastAccessed: wmBase.Add(-48 * time.Hour)})
	_, _ = wm.Add(3, "gamma", 10, AddOptions{AccessCount: 3, LastAccessed: wmBase.Add(-10 * time.Minute)})

	// recent: descending last_accessed.
	assert.Equal(t, "gamma\n\nalpha\n\nbeta", wm.AssembleContext(StrategyRecent, 0))

	// frequent: descending access_count.
	assert.Equal(t, "beta\n\ngamma\n\nalpha", wm.AssembleContext(StrategyFrequent, 0))

	// balanced: access_count / (1 + hours_since).
	// alpha: 1/2 = 0.5, beta: 9/49 ~= 0.18, gamma: 3/1.17 ~= 2.57.
	assert.Equal(t, "gamma\n\nalpha\n\nbeta", wm.AssembleContext(StrategyBalanced, 0))
}

func TestWorkingMemory_AssembleContextHonoursTokenBudget(t *testing.T) {
	wm := newTestWM(1000)

	_, _ = wm.Add(1, "newest", 30, AddOptions{LastAccessed: wmBase})
	_, _ = wm.Add(2, "middle", 30, AddOptions{LastAccessed: wmBase.Add(-time.Hour)})
	_, _ = wm.Add(3, "oldest", 30, AddOptions{LastAccessed: wmBase.Add(-2 * time.Hour)})

	// Only two entries fit; the walk stops before overflowing.
	out := wm.AssembleContext(StrategyRecent, 65)
	assert.Equal(t, "newest\n\nmiddle", out)

	assert.Empty(t, wm.AssembleContext(StrategyRecent, 10))
}

func TestWorkingMemory_Clear(t *testing.T) {
	wm := newTestWM(100)
	for i := 1; i <= 3; i++ {
		_, _ = wm.Add(types.NodeID(i), fmt.Sprintf("entry %d", i), 10, AddOptions{})
	}

	removed := wm.Clear()
	assert.Len(t, removed, 3)
	assert.Zero(t, wm.NodeCount())
	assert.Zero(t, wm.TokenCount())
}

func TestWorkingMemory_RecallSource(t *testing.T) {
	wm := newTestWM(100)

	_, _ = wm.Add(1, "fresh", 10, AddOptions{})
	_, _ = wm.Add(2, "promoted", 10, AddOptions{FromRecall: true})

	entries := wm.Entries()
	assert.Equal(t, SourceFresh, entries[0].Source)
	assert.Equal(t, SourceRecalled, entries[1].Source)
}

func TestWorkingMemory_Stats(t *testing.T) {
	wm := newTestWM(100)
	_, _ = wm.Add(1, "a", 60, AddOptions{})
	_, _ = wm.Add(2, "b", 60, AddOptions{}) // evicts node 1

	stats := wm.Stats()
	assert.Equal(t, 1, stats.NodeCount)
	assert.Equal(t, 60, stats.CurrentTokens)
	assert.Equal(t, 100, stats.MaxTokens)
	assert.Equal(t, int64(1), stats.Evictions)
}
