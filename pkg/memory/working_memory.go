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

// Package memory implements the two memory tiers: the durable long-term
// store and the token-budgeted per-agent working memory.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memoryfab/htm/pkg/types"
)

// EntrySource records how an entry got into working memory.
type EntrySource string

const (
	SourceFresh    EntrySource = "fresh"
	SourceRecalled EntrySource = "recalled"
)

// ContextStrategy selects the ranking used by AssembleContext.
type ContextStrategy string

const (
	StrategyRecent   ContextStrategy = "recent"
	StrategyFrequent ContextStrategy = "frequent"
	StrategyBalanced ContextStrategy = "balanced"
)

// Entry is one node held in working memory.
type Entry struct {
	NodeID       types.NodeID
	Content      string
	TokenCount   int
	AddedAt      time.Time
	LastAccessed time.Time
	AccessCount  int
	Source       EntrySource
}

// AddOptions carries the optional parameters of WorkingMemory.Add.
type AddOptions struct {
	// AccessCount seeds the entry's counter, e.g. from the durable node.
	AccessCount int

	// LastAccessed seeds the recency timestamp; zero means now.
	LastAccessed time.Time

	// FromRecall marks the entry as promoted by a recall rather than a
	// fresh remember.
	FromRecall bool
}

// WMStats is a point-in-time working memory summary.
type WMStats struct {
	NodeCount     int     `json:"node_count"`
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	Utilisation   float64 `json:"utilisation_pct"`
	Evictions     int64   `json:"evictions"`
}

// WorkingMemory is the bounded per-agent hot cache. All public methods
// take the mutex for their whole duration; after every public call the
// invariant current_tokens <= max_tokens holds.
type WorkingMemory struct {
	mu sync.Mutex

	maxTokens     int
	entries       map[types.NodeID]*Entry
	order         []types.NodeID // insertion order
	currentTokens int
	evictions     int64

	now func() time.Time
}

// NewWorkingMemory creates a working memory bounded by maxTokens.
func NewWorkingMemory(maxTokens int) *WorkingMemory {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &WorkingMemory{
		maxTokens: maxTokens,
		entries:   make(map[types.NodeID]*Entry),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock for deterministic tests.
func (wm *WorkingMemory) SetClock(now func() time.Time) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.now = now
}

// Add inserts a node, evicting as needed, and returns the evicted
// entries. Re-adding a present node refreshes it in place. Fails with
// InvalidInput when tokenCount alone exceeds the budget.
func (wm *WorkingMemory) Add(nodeID types.NodeID, content string, tokenCount int, opts AddOptions) ([]Entry, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if tokenCount > wm.maxTokens {
		return nil, types.NewInvalidInput("entry needs %d tokens, working memory holds %d", tokenCount, wm.maxTokens)
	}
	if tokenCount < 0 {
		return nil, types.NewInvalidInput("token count must not be negative")
	}

	// Refresh keeps the original insertion position. The entry is pulled
	// out before eviction runs so it cannot evict itself.
	if existing, ok := wm.entries[nodeID]; ok {
		slot := len(wm.order)
		for i, id := range wm.order {
			if id == nodeID {
				slot = i
				break
			}
		}
		wm.removeLocked(nodeID)
		evicted := wm.evictLocked(wm.needLocked(tokenCount))

		existing.Content = content
		existing.TokenCount = tokenCount
		existing.LastAccessed = wm.lastAccessed(opts)
		if opts.AccessCount > existing.AccessCount {
			existing.AccessCount = opts.AccessCount
		}
		wm.entries[nodeID] = existing
		if slot > len(wm.order) {
			slot = len(wm.order)
		}
		wm.order = append(wm.order, 0)
		copy(wm.order[slot+1:], wm.order[slot:])
		wm.order[slot] = nodeID
		wm.currentTokens += tokenCount
		return evicted, nil
	}

	evicted := wm.evictLocked(wm.needLocked(tokenCount))

	now := wm.now()
	entry := &Entry{
		NodeID:       nodeID,
		Content:      content,
		TokenCount:   tokenCount,
		AddedAt:      now,
		LastAccessed: wm.lastAccessed(opts),
		AccessCount:  opts.AccessCount,
		Source:       SourceFresh,
	}
	if opts.FromRecall {
		entry.Source = SourceRecalled
	}

	wm.entries[nodeID] = entry
	wm.order = append(wm.order, nodeID)
	wm.currentTokens += tokenCount
	return evicted, nil
}

func (wm *WorkingMemory) lastAccessed(opts AddOptions) time.Time {
	if !opts.LastAccessed.IsZero() {
		return opts.LastAccessed
	}
	return wm.now()
}

// Remove drops a node. Idempotent.
func (wm *WorkingMemory) Remove(nodeID types.NodeID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.removeLocked(nodeID)
}

// Has reports whether the node is currently held.
func (wm *WorkingMemory) Has(nodeID types.NodeID) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	_, ok := wm.entries[nodeID]
	return ok
}

// Touch bumps the entry's access statistics. No-op for absent nodes.
func (wm *WorkingMemory) Touch(nodeID types.NodeID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if entry, ok := wm.entries[nodeID]; ok {
		entry.AccessCount++
		entry.LastAccessed = wm.now()
	}
}

// HasSpace reports whether tokens fit without eviction.
func (wm *WorkingMemory) HasSpace(tokens int) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.currentTokens+tokens <= wm.maxTokens
}

// EvictToMakeSpace frees at least tokens and returns the evicted entries.
func (wm *WorkingMemory) EvictToMakeSpace(tokens int) []Entry {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.evictLocked(wm.needLocked(tokens))
}

// Clear drops every entry and returns what was held.
func (wm *WorkingMemory) Clear() []Entry {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	removed := make([]Entry, 0, len(wm.order))
	for _, id := range wm.order {
		removed = append(removed, *wm.entries[id])
	}
	wm.entries = make(map[types.NodeID]*Entry)
	wm.order = nil
	wm.currentTokens = 0
	return removed
}

// Entries returns a snapshot in insertion order.
func (wm *WorkingMemory) Entries() []Entry {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	out := make([]Entry, 0, len(wm.order))
	for _, id := range wm.order {
		out = append(out, *wm.entries[id])
	}
	return out
}

// NodeIDs returns the held node ids in insertion order.
func (wm *WorkingMemory) NodeIDs() []types.NodeID {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return append([]types.NodeID(nil), wm.order...)
}

// TokenCount returns the running token sum.
func (wm *WorkingMemory) TokenCount() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.currentTokens
}

// NodeCount returns how many nodes are held.
func (wm *WorkingMemory) NodeCount() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.entries)
}

// MaxTokens returns the budget.
func (wm *WorkingMemory) MaxTokens() int {
	return wm.maxTokens
}

// UtilisationPercentage returns current/max as a percentage.
func (wm *WorkingMemory) UtilisationPercentage() float64 {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return float64(wm.currentTokens) / float64(wm.maxTokens) * 100
}

// Stats returns a point-in-time summary.
func (wm *WorkingMemory) Stats() WMStats {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return WMStats{
		NodeCount:     len(wm.entries),
		CurrentTokens: wm.currentTokens,
		MaxTokens:     wm.maxTokens,
		Utilisation:   float64(wm.currentTokens) / float64(wm.maxTokens) * 100,
		Evictions:     wm.evictions,
	}
}

// AssembleContext walks the strategy's ranking and joins contents with
// blank lines until the next entry would exceed maxTokens. maxTokens <= 0
// means the full working memory budget.
func (wm *WorkingMemory) AssembleContext(strategy ContextStrategy, maxTokens int) string {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if maxTokens <= 0 {
		maxTokens = wm.maxTokens
	}

	ranked := wm.rankLocked(strategy)

	var (
		parts []string
		used  int
	)
	for _, entry := range ranked {
		if used+entry.TokenCount > maxTokens {
			break
		}
		parts = append(parts, entry.Content)
		used += entry.TokenCount
	}
	return strings.Join(parts, "\n\n")
}

// rankLocked orders entries per the strategy, ties broken by node id so
// the assembly is deterministic.
func (wm *WorkingMemory) rankLocked(strategy ContextStrategy) []*Entry {
	ranked := make([]*Entry, 0, len(wm.entries))
	for _, id := range wm.order {
		ranked = append(ranked, wm.entries[id])
	}

	now := wm.now()
	switch strategy {
	case StrategyFrequent:
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].AccessCount != ranked[j].AccessCount {
				return ranked[i].AccessCount > ranked[j].AccessCount
			}
			return ranked[i].NodeID < ranked[j].NodeID
		})
	case StrategyBalanced:
		score := func(e *Entry) float64 {
			hours := now.Sub(e.LastAccessed).Hours()
			if hours < 0 {
				hours = 0
			}
			return float64(e.AccessCount) / (1 + hours)
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			si, sj := score(ranked[i]), score(ranked[j])
			if si != sj {
				return si > sj
			}
			return ranked[i].NodeID < ranked[j].NodeID
		})
	default: // StrategyRecent
		sort.SliceStable(ranked, func(i, j int) bool {
			if !ranked[i].LastAccessed.Equal(ranked[j].LastAccessed) {
				return ranked[i].LastAccessed.After(ranked[j].LastAccessed)
			}
			return ranked[i].NodeID < ranked[j].NodeID
		})
	}
	return ranked
}

// needLocked computes how many tokens must be freed to fit tokens.
func (wm *WorkingMemory) needLocked(tokens int) int {
	return wm.currentTokens + tokens - wm.maxTokens
}

// evictLocked frees at least needed tokens in eviction order:
// access_count ascending, then last_accessed ascending, then node id.
func (wm *WorkingMemory) evictLocked(needed int) []Entry {
	if needed <= 0 {
		return nil
	}

	candidates := make([]*Entry, 0, len(wm.entries))
	for _, entry := range wm.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AccessCount != candidates[j].AccessCount {
			return candidates[i].AccessCount < candidates[j].AccessCount
		}
		if !candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	var evicted []Entry
	freed := 0
	for _, entry := range candidates {
		if freed >= needed {
			break
		}
		evicted = append(evicted, *entry)
		freed += entry.TokenCount
		wm.removeLocked(entry.NodeID)
		wm.evictions++
	}
	return evicted
}

func (wm *WorkingMemory) removeLocked(nodeID types.NodeID) {
	entry, ok := wm.entries[nodeID]
	if !ok {
		return
	}
	delete(wm.entries, nodeID)
	wm.currentTokens -= entry.TokenCount
	for i, id := range wm.order {
		if id == nodeID {
			wm.order = append(wm.order[:i], wm.order[i+1:]...)
			break
		}
	}
}
