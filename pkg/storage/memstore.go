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
	"context"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memoryfab/htm/pkg/types"
)

// MemStore is an in-memory Store used by tests and offline development.
// It mirrors the Postgres implementation's observable behaviour: hash
// dedup, soft deletes, edge upserts, and the four search strategies with
// simplified ranking.
type MemStore struct {
	mu sync.RWMutex

	nodes  map[types.NodeID]*types.Node
	robots map[string]types.RobotID
	edges  map[edgeKey]*types.Edge
	tags   map[types.NodeID][]string
	oplog  []types.OperationRecord

	nextNodeID  types.NodeID
	nextRobotID types.RobotID
	nextLogID   int64

	// Now is the clock; overridable in tests.
	Now Clock
}

type edgeKey struct {
	robot types.RobotID
	node  types.NodeID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:  make(map[types.NodeID]*types.Node),
		robots: make(map[string]types.RobotID),
		edges:  make(map[edgeKey]*types.Edge),
		tags:   make(map[types.NodeID][]string),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) AddNode(ctx context.Context, node *types.Node, robotID types.RobotID) (*AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()

	for _, existing := range s.nodes {
		if existing.ContentHash == node.ContentHash && !existing.IsDeleted() {
			existing.LastAccessed = now
			existing.AccessCount++
			edge := s.upsertEdgeLocked(robotID, existing.ID, false, now)
			return &AddResult{Node: cloneNode(existing), IsNew: false, Edge: cloneEdge(edge)}, nil
		}
	}

	s.nextNodeID++
	stored := cloneNode(node)
	stored.ID = s.nextNodeID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.LastAccessed = now
	s.nodes[stored.ID] = stored

	edge := s.upsertEdgeLocked(robotID, stored.ID, false, now)
	return &AddResult{Node: cloneNode(stored), IsNew: true, Edge: cloneEdge(edge)}, nil
}

func (s *MemStore) GetNode(ctx context.Context, id types.NodeID, includeDeleted bool) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok || (node.IsDeleted() && !includeDeleted) {
		return nil, types.ErrNotFound
	}
	return cloneNode(node), nil
}

func (s *MemStore) GetNodeByHash(ctx context.Context, hash string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, node := range s.nodes {
		if node.ContentHash == hash && !node.IsDeleted() {
			return cloneNode(node), nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *MemStore) TouchNode(ctx context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return types.ErrNotFound
	}
	node.AccessCount++
	node.LastAccessed = s.Now()
	return nil
}

func (s *MemStore) NodeExists(ctx context.Context, id types.NodeID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	return ok && !node.IsDeleted(), nil
}

func (s *MemStore) SoftDeleteNode(ctx context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return types.ErrNotFound
	}
	if node.DeletedAt == nil {
		now := s.Now()
		node.DeletedAt = &now
		node.UpdatedAt = now
	}
	return nil
}

func (s *MemStore) HardDeleteNode(ctx context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return types.ErrNotFound
	}
	delete(s.nodes, id)
	delete(s.tags, id)
	for key := range s.edges {
		if key.node == id {
			delete(s.edges, key)
		}
	}
	for i := range s.oplog {
		if s.oplog[i].NodeID != nil && *s.oplog[i].NodeID == id {
			s.oplog[i].NodeID = nil
		}
	}
	return nil
}

func (s *MemStore) RestoreNode(ctx context.Context, id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return types.ErrNotFound
	}
	node.DeletedAt = nil
	node.UpdatedAt = s.Now()
	return nil
}

func (s *MemStore) UpdateNodeEmbedding(ctx context.Context, id types.NodeID, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return types.ErrNotFound
	}
	node.Embedding = append([]float32(nil), embedding...)
	node.UpdatedAt = s.Now()
	return nil
}

func (s *MemStore) AddNodeTags(ctx context.Context, id types.NodeID, newTags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return types.ErrNotFound
	}
	existing := make(map[string]bool, len(s.tags[id]))
	for _, t := range s.tags[id] {
		existing[t] = true
	}
	for _, t := range newTags {
		if !existing[t] {
			s.tags[id] = append(s.tags[id], t)
			existing[t] = true
		}
	}
	return nil
}

func (s *MemStore) GetNodeTags(ctx context.Context, id types.NodeID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]string(nil), s.tags[id]...)
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) BatchLoadNodeTags(ctx context.Context, ids []types.NodeID) (map[types.NodeID][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.NodeID][]string, len(ids))
	for _, id := range ids {
		if tagList, ok := s.tags[id]; ok {
			sorted := append([]string(nil), tagList...)
			sort.Strings(sorted)
			out[id] = sorted
		}
	}
	return out, nil
}

func (s *MemStore) SampleTags(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, tagList := range s.tags {
		for _, t := range tagList {
			counts[t]++
		}
	}
	names := make([]string, 0, len(counts))
	for t := range counts {
		names = append(names, t)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func (s *MemStore) DistinctTags(ctx context.Context) ([]string, error) {
	return s.SampleTags(ctx, 0)
}

func (s *MemStore) RegisterRobot(ctx context.Context, name string) (types.RobotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.robots[name]; ok {
		return id, nil
	}
	s.nextRobotID++
	s.robots[name] = s.nextRobotID
	return s.nextRobotID, nil
}

func (s *MemStore) LinkRobotToNode(ctx context.Context, robotID types.RobotID, nodeID types.NodeID, inWorkingMemory bool) (*types.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return nil, types.ErrNotFound
	}
	edge := s.upsertEdgeLocked(robotID, nodeID, inWorkingMemory, s.Now())
	return cloneEdge(edge), nil
}

func (s *MemStore) SetWorkingMemoryFlag(ctx context.Context, robotID types.RobotID, nodeIDs []types.NodeID, inWorkingMemory bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range nodeIDs {
		if edge, ok := s.edges[edgeKey{robot: robotID, node: id}]; ok {
			edge.InWorkingMemory = inWorkingMemory
		}
	}
	return nil
}

func (s *MemStore) ClearWorkingMemoryFlags(ctx context.Context, robotIDs []types.RobotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make(map[types.RobotID]bool, len(robotIDs))
	for _, id := range robotIDs {
		targets[id] = true
	}
	for key, edge := range s.edges {
		if targets[key.robot] {
			edge.InWorkingMemory = false
		}
	}
	return nil
}

func (s *MemStore) WorkingMemoryNodes(ctx context.Context, robotID types.RobotID) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		node *types.Node
		at   time.Time
	}
	var entries []entry
	for key, edge := range s.edges {
		if key.robot != robotID || !edge.InWorkingMemory {
			continue
		}
		node, ok := s.nodes[key.node]
		if !ok || node.IsDeleted() {
			continue
		}
		entries = append(entries, entry{node: node, at: edge.FirstRememberedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.Before(entries[j].at)
		}
		return entries[i].node.ID < entries[j].node.ID
	})
	out := make([]*types.Node, len(entries))
	for i, e := range entries {
		out[i] = cloneNode(e.node)
	}
	return out, nil
}

func (s *MemStore) TrackAccess(ctx context.Context, ids []types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	for _, id := range ids {
		if node, ok := s.nodes[id]; ok {
			node.AccessCount++
			node.LastAccessed = now
		}
	}
	return nil
}

func (s *MemStore) SearchVector(ctx context.Context, req SearchRequest) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.SearchResult
	for _, node := range s.nodes {
		if !s.candidateLocked(node, req) || len(node.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(req.Embedding, node.Embedding)
		results = append(results, types.SearchResult{Node: *cloneNode(node), Similarity: sim})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	return capResults(results, req.Limit), nil
}

func (s *MemStore) SearchFulltext(ctx context.Context, req SearchRequest) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := s.fulltextLocked(req, req.Limit)
	return results, nil
}

func (s *MemStore) SearchHybrid(ctx context.Context, req SearchRequest) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefilter := req.PrefilterLimit
	if prefilter <= 0 {
		prefilter = 100
	}
	candidates := s.fulltextLocked(req, prefilter)
	for i := range candidates {
		if len(candidates[i].Embedding) > 0 {
			candidates[i].Similarity = cosineSimilarity(req.Embedding, candidates[i].Embedding)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].ID < candidates[j].ID
	})
	return capResults(candidates, req.Limit), nil
}

func (s *MemStore) SearchByTags(ctx context.Context, req SearchRequest) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.SearchResult
	for _, node := range s.nodes {
		if !s.candidateLocked(node, req) {
			continue
		}
		nodeTags := make(map[string]bool, len(s.tags[node.ID]))
		for _, t := range s.tags[node.ID] {
			nodeTags[t] = true
		}
		matched := 0
		for _, t := range req.Tags {
			if nodeTags[t] {
				matched++
			}
		}
		if matched == 0 || (req.MatchAll && matched < len(req.Tags)) {
			continue
		}
		sorted := append([]string(nil), s.tags[node.ID]...)
		sort.Strings(sorted)
		results = append(results, types.SearchResult{Node: *cloneNode(node), Tags: sorted, Rank: float64(matched)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].ID < results[j].ID
	})
	return capResults(results, req.Limit), nil
}

func (s *MemStore) LogOperation(ctx context.Context, rec *types.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	stored := *rec
	stored.ID = s.nextLogID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.Now()
	}
	s.oplog = append(s.oplog, stored)
	return nil
}

func (s *MemStore) RecentOperations(ctx context.Context, limit int) ([]types.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]types.OperationRecord(nil), s.oplog...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) NodesMissingEmbedding(ctx context.Context, limit int) ([]types.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.NodeID
	for id, node := range s.nodes {
		if !node.IsDeleted() && len(node.Embedding) == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) NodesMissingTags(ctx context.Context, limit int) ([]types.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.NodeID
	for id, node := range s.nodes {
		if !node.IsDeleted() && len(s.tags[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{RobotCount: int64(len(s.robots)), EdgeCount: int64(len(s.edges))}
	tagNames := make(map[string]bool)
	for _, tagList := range s.tags {
		for _, t := range tagList {
			tagNames[t] = true
		}
	}
	stats.TagCount = int64(len(tagNames))
	for _, node := range s.nodes {
		if node.IsDeleted() {
			stats.DeletedNodeCount++
			continue
		}
		stats.NodeCount++
		if len(node.Embedding) == 0 {
			stats.MissingEmbedding++
		}
	}
	return stats, nil
}

func (s *MemStore) Close() {}

func (s *MemStore) upsertEdgeLocked(robotID types.RobotID, nodeID types.NodeID, inWM bool, now time.Time) *types.Edge {
	key := edgeKey{robot: robotID, node: nodeID}
	if edge, ok := s.edges[key]; ok {
		edge.LastRememberedAt = now
		edge.RememberCount++
		edge.InWorkingMemory = inWM
		return edge
	}
	edge := &types.Edge{
		RobotID:           robotID,
		NodeID:            nodeID,
		FirstRememberedAt: now,
		LastRememberedAt:  now,
		RememberCount:     1,
		InWorkingMemory:   inWM,
	}
	s.edges[key] = edge
	return edge
}

// candidateLocked applies the filters shared by every search strategy.
func (s *MemStore) candidateLocked(node *types.Node, req SearchRequest) bool {
	if node.IsDeleted() {
		return false
	}
	if !req.Timeframe.IsZero() && !req.Timeframe.Contains(node.CreatedAt) {
		return false
	}
	for k, v := range req.Metadata {
		got, ok := node.Metadata[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// fulltextLocked ranks by the fraction of query tokens present in the
// content, an approximation of ts_rank good enough for tests.
func (s *MemStore) fulltextLocked(req SearchRequest, limit int) []types.SearchResult {
	queryTokens := strings.Fields(strings.ToLower(req.Query))
	if len(queryTokens) == 0 {
		return nil
	}

	var results []types.SearchResult
	for _, node := range s.nodes {
		if !s.candidateLocked(node, req) {
			continue
		}
		content := strings.ToLower(node.Content)
		matched := 0
		for _, tok := range queryTokens {
			if strings.Contains(content, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		rank := float64(matched) / float64(len(queryTokens))
		results = append(results, types.SearchResult{Node: *cloneNode(node), Rank: rank})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].ID < results[j].ID
	})
	return capResults(results, limit)
}

func capResults(results []types.SearchResult, limit int) []types.SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneNode(n *types.Node) *types.Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Embedding != nil {
		out.Embedding = append([]float32(nil), n.Embedding...)
	}
	if n.Metadata != nil {
		m := make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			m[k] = v
		}
		out.Metadata = m
	}
	if n.DeletedAt != nil {
		ts := *n.DeletedAt
		out.DeletedAt = &ts
	}
	return &out
}

func cloneEdge(e *types.Edge) *types.Edge {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

var _ Store = (*MemStore)(nil)
