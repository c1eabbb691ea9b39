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
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/types"
)

// QueryCache memoises search results behind a fixed-capacity LRU with a
// per-entry TTL. Keys are request fingerprints; any long-term memory
// mutation clears the whole cache, so entries can never outlive the data
// they were computed from by more than the race window of an in-flight
// search.
type QueryCache struct {
	lru    *expirable.LRU[string, []types.SearchResult]
	tracer observability.Tracer

	hits   atomic.Int64
	misses atomic.Int64
	clears atomic.Int64
}

// CacheStats is the cache counter snapshot.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Clears int64 `json:"clears"`
	Size   int   `json:"size"`
}

// NewQueryCache creates a cache holding up to size entries for at most ttl.
func NewQueryCache(size int, ttl time.Duration, tracer observability.Tracer) *QueryCache {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &QueryCache{
		lru:    expirable.NewLRU[string, []types.SearchResult](size, nil, ttl),
		tracer: tracer,
	}
}

// Get returns a cloned copy of the cached results for req, if present.
func (c *QueryCache) Get(req SearchRequest) ([]types.SearchResult, bool) {
	key := Fingerprint(req)
	results, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		c.tracer.RecordMetric("query_cache.misses", 1, nil)
		return nil, false
	}
	c.hits.Add(1)
	c.tracer.RecordMetric("query_cache.hits", 1, nil)
	return CloneResults(results), true
}

// Put stores a cloned copy of results under the request fingerprint.
func (c *QueryCache) Put(req SearchRequest, results []types.SearchResult) {
	c.lru.Add(Fingerprint(req), CloneResults(results))
}

// Clear drops every entry. Called after each mutation of long-term memory.
func (c *QueryCache) Clear() {
	c.lru.Purge()
	c.clears.Add(1)
	c.tracer.RecordMetric("query_cache.clears", 1, nil)
}

// Len returns the current entry count.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

// Stats returns the counter snapshot.
func (c *QueryCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Clears: c.clears.Load(),
		Size:   c.lru.Len(),
	}
}

// Fingerprint derives a deterministic cache key from a search request.
// Equal requests always map to equal keys regardless of map iteration
// order or tag ordering.
func Fingerprint(req SearchRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "s=%s|q=%s|l=%d|pl=%d|ma=%t", req.Strategy, req.Query, req.Limit, req.PrefilterLimit, req.MatchAll)

	fmt.Fprintf(&b, "|tf=%d:%d", req.Timeframe.Start.UnixNano(), req.Timeframe.End.UnixNano())

	if len(req.Tags) > 0 {
		sorted := append([]string(nil), req.Tags...)
		sort.Strings(sorted)
		fmt.Fprintf(&b, "|t=%s", strings.Join(sorted, ","))
	}

	if len(req.Metadata) > 0 {
		keys := make([]string, 0, len(req.Metadata))
		for k := range req.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(req.Metadata[k])
			fmt.Fprintf(&b, "|m.%s=%s", k, v)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CloneResults deep-copies search results so cached entries cannot be
// mutated by callers.
func CloneResults(results []types.SearchResult) []types.SearchResult {
	if results == nil {
		return nil
	}
	out := make([]types.SearchResult, len(results))
	for i, r := range results {
		out[i] = r
		if r.Embedding != nil {
			out[i].Embedding = append([]float32(nil), r.Embedding...)
		}
		if r.Tags != nil {
			out[i].Tags = append([]string(nil), r.Tags...)
		}
		if r.Metadata != nil {
			m := make(map[string]interface{}, len(r.Metadata))
			for k, v := range r.Metadata {
				m[k] = v
			}
			out[i].Metadata = m
		}
		if r.DeletedAt != nil {
			ts := *r.DeletedAt
			out[i].DeletedAt = &ts
		}
	}
	return out
}
