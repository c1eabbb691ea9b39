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
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/llm"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/resilience"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/tags"
	"github.com/memoryfab/htm/pkg/types"
)

// maxContentBytes bounds a single remembered node.
const maxContentBytes = 1 << 20

// LongTermMemory owns durable memory state: nodes, edges, tags, the
// audit log, and the retrieval engine. Thread-safe through the storage
// driver's pool; search results are memoised in the query cache and
// every mutation clears it.
type LongTermMemory struct {
	store    storage.Store
	cache    *storage.QueryCache
	embedder llm.Embedder
	breakers *resilience.Registry
	scorer   *RelevanceScorer
	tracer   observability.Tracer
	logger   *zap.Logger
}

// NewLongTermMemory wires the long-term memory engine.
func NewLongTermMemory(
	store storage.Store,
	cache *storage.QueryCache,
	embedder llm.Embedder,
	breakers *resilience.Registry,
	cfg *config.Config,
	tracer observability.Tracer,
) *LongTermMemory {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &LongTermMemory{
		store:    store,
		cache:    cache,
		embedder: embedder,
		breakers: breakers,
		scorer:   NewRelevanceScorer(cfg.Relevance),
		tracer:   tracer,
		logger:   zap.L().Named("ltm"),
	}
}

// Scorer exposes the relevance scorer, mainly so tests can pin its clock.
func (ltm *LongTermMemory) Scorer() *RelevanceScorer { return ltm.scorer }

// Add deduplicates on the content hash and persists the node. Duplicate
// live content touches the existing node and increments the robot edge
// instead of inserting.
func (ltm *LongTermMemory) Add(ctx context.Context, content string, tokenCount int, robotID types.RobotID, embedding []float32, metadata map[string]interface{}) (*storage.AddResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.add")
	defer ltm.tracer.EndSpan(span)
	span.SetAttribute("robot_id", int64(robotID))

	canonical := types.CanonicalizeContent(content)
	if canonical == "" {
		return nil, types.NewInvalidInput("content must not be empty")
	}
	if len(content) > maxContentBytes {
		return nil, types.NewInvalidInput("content exceeds %d bytes", maxContentBytes)
	}

	node := &types.Node{
		Content:     content,
		ContentHash: types.HashContent(content),
		TokenCount:  tokenCount,
		Embedding:   embedding,
		Metadata:    metadata,
	}

	result, err := ltm.store.AddNode(ctx, node, robotID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ltm.cache.Clear()
	ltm.logOp(ctx, types.OpAdd, &result.Node.ID, &robotID, map[string]interface{}{
		"is_new": result.IsNew,
	})

	span.SetAttribute("node_id", int64(result.Node.ID))
	span.SetAttribute("is_new", result.IsNew)
	return result, nil
}

// Retrieve returns a node by id and bumps its access statistics.
func (ltm *LongTermMemory) Retrieve(ctx context.Context, id types.NodeID, includeDeleted bool) (*types.Node, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.retrieve")
	defer ltm.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	node, err := ltm.store.GetNode(ctx, id, includeDeleted)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := ltm.store.TouchNode(ctx, id); err != nil {
		span.RecordError(err)
		return nil, err
	}
	node.AccessCount++
	node.LastAccessed = time.Now().UTC()

	ltm.logOp(ctx, types.OpRetrieve, &id, nil, nil)
	return node, nil
}

// Delete removes a node. Soft delete sets deleted_at and is reversible
// with Restore; hard delete cascades tags and edges, keeping audit rows
// with a nulled node reference.
func (ltm *LongTermMemory) Delete(ctx context.Context, id types.NodeID, soft bool) error {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.delete")
	defer ltm.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))
	span.SetAttribute("soft", soft)

	// Log before a hard delete so the row exists to be nulled.
	ltm.logOp(ctx, types.OpForget, &id, nil, map[string]interface{}{"soft": soft})

	var err error
	if soft {
		err = ltm.store.SoftDeleteNode(ctx, id)
	} else {
		err = ltm.store.HardDeleteNode(ctx, id)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	ltm.cache.Clear()
	return nil
}

// Restore clears a soft delete.
func (ltm *LongTermMemory) Restore(ctx context.Context, id types.NodeID) error {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.restore")
	defer ltm.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	if err := ltm.store.RestoreNode(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}

	ltm.cache.Clear()
	ltm.logOp(ctx, types.OpRestore, &id, nil, nil)
	return nil
}

// Peek returns a live node without touching its access statistics.
func (ltm *LongTermMemory) Peek(ctx context.Context, id types.NodeID) (*types.Node, error) {
	return ltm.store.GetNode(ctx, id, false)
}

// Exists reports whether a live node with the id exists.
func (ltm *LongTermMemory) Exists(ctx context.Context, id types.NodeID) (bool, error) {
	return ltm.store.NodeExists(ctx, id)
}

// GetNodeTags returns the node's tags.
func (ltm *LongTermMemory) GetNodeTags(ctx context.Context, id types.NodeID) ([]string, error) {
	return ltm.store.GetNodeTags(ctx, id)
}

// BatchLoadNodeTags loads tags for many nodes in one round trip.
func (ltm *LongTermMemory) BatchLoadNodeTags(ctx context.Context, ids []types.NodeID) (map[types.NodeID][]string, error) {
	return ltm.store.BatchLoadNodeTags(ctx, ids)
}

// AddTags validates raw tags and attaches the survivors to the node.
func (ltm *LongTermMemory) AddTags(ctx context.Context, id types.NodeID, raw []string) ([]string, error) {
	valid := tags.Sanitize(raw, tags.MaxDepth)
	if len(valid) == 0 {
		return nil, nil
	}
	if err := ltm.store.AddNodeTags(ctx, id, valid); err != nil {
		return nil, err
	}
	ltm.cache.Clear()
	return valid, nil
}

// LinkRobotToNode creates or refreshes the robot-node edge.
func (ltm *LongTermMemory) LinkRobotToNode(ctx context.Context, robotID types.RobotID, nodeID types.NodeID, inWorkingMemory bool) (*types.Edge, error) {
	return ltm.store.LinkRobotToNode(ctx, robotID, nodeID, inWorkingMemory)
}

// MarkEvicted drops the working-memory flag on the robot's edges.
func (ltm *LongTermMemory) MarkEvicted(ctx context.Context, robotID types.RobotID, nodeIDs []types.NodeID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	ltm.logOp(ctx, types.OpEvict, nil, &robotID, map[string]interface{}{
		"node_count": len(nodeIDs),
	})
	return ltm.store.SetWorkingMemoryFlag(ctx, robotID, nodeIDs, false)
}

// MarkInWorkingMemory raises the working-memory flag on the robot's edges.
func (ltm *LongTermMemory) MarkInWorkingMemory(ctx context.Context, robotID types.RobotID, nodeIDs []types.NodeID) error {
	return ltm.store.SetWorkingMemoryFlag(ctx, robotID, nodeIDs, true)
}

// ClearWorkingMemoryFlags drops the flag on every edge of the robots.
func (ltm *LongTermMemory) ClearWorkingMemoryFlags(ctx context.Context, robotIDs []types.RobotID) error {
	return ltm.store.ClearWorkingMemoryFlags(ctx, robotIDs)
}

// WorkingMemoryNodes returns the robot's flagged nodes for reconciliation.
func (ltm *LongTermMemory) WorkingMemoryNodes(ctx context.Context, robotID types.RobotID) ([]*types.Node, error) {
	return ltm.store.WorkingMemoryNodes(ctx, robotID)
}

// RegisterRobot is idempotent on name.
func (ltm *LongTermMemory) RegisterRobot(ctx context.Context, name string) (types.RobotID, error) {
	if name == "" {
		return 0, types.NewInvalidInput("robot name must not be empty")
	}
	return ltm.store.RegisterRobot(ctx, name)
}

// TrackAccess bulk-increments access statistics and clears the cache.
func (ltm *LongTermMemory) TrackAccess(ctx context.Context, ids []types.NodeID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ltm.store.TrackAccess(ctx, ids); err != nil {
		return err
	}
	ltm.cache.Clear()
	return nil
}

// Stats summarises durable memory contents.
func (ltm *LongTermMemory) Stats(ctx context.Context) (*storage.Stats, error) {
	return ltm.store.Stats(ctx)
}

// RecentOperations returns the newest audit log rows.
func (ltm *LongTermMemory) RecentOperations(ctx context.Context, limit int) ([]types.OperationRecord, error) {
	return ltm.store.RecentOperations(ctx, limit)
}

// Search embeds the query and runs approximate nearest neighbour search
// under the cosine operator. Embedding failures surface as EmbeddingError
// so callers can downgrade to full text.
func (ltm *LongTermMemory) Search(ctx context.Context, tf types.Timeframe, query string, limit int, metadata map[string]interface{}) ([]types.SearchResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.search_vector")
	defer ltm.tracer.EndSpan(span)

	embedding, err := ltm.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	req := storage.SearchRequest{
		Strategy:  storage.StrategyVector,
		Query:     query,
		Embedding: embedding,
		Timeframe: tf,
		Limit:     limit,
		Metadata:  metadata,
	}
	return ltm.cachedSearch(ctx, req, ltm.store.SearchVector)
}

// SearchFulltext ranks by the store's English text-search function.
func (ltm *LongTermMemory) SearchFulltext(ctx context.Context, tf types.Timeframe, query string, limit int, metadata map[string]interface{}) ([]types.SearchResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.search_fulltext")
	defer ltm.tracer.EndSpan(span)

	req := storage.SearchRequest{
		Strategy:  storage.StrategyFulltext,
		Query:     query,
		Timeframe: tf,
		Limit:     limit,
		Metadata:  metadata,
	}
	return ltm.cachedSearch(ctx, req, ltm.store.SearchFulltext)
}

// SearchHybrid prefilters by full text and reranks by vector distance.
func (ltm *LongTermMemory) SearchHybrid(ctx context.Context, tf types.Timeframe, query string, limit, prefilterLimit int, metadata map[string]interface{}) ([]types.SearchResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.search_hybrid")
	defer ltm.tracer.EndSpan(span)

	embedding, err := ltm.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	req := storage.SearchRequest{
		Strategy:       storage.StrategyHybrid,
		Query:          query,
		Embedding:      embedding,
		Timeframe:      tf,
		Limit:          limit,
		PrefilterLimit: prefilterLimit,
		Metadata:       metadata,
	}
	return ltm.cachedSearch(ctx, req, ltm.store.SearchHybrid)
}

// SearchByTags matches any of the tags, or all when matchAll is set.
func (ltm *LongTermMemory) SearchByTags(ctx context.Context, tagList []string, matchAll bool, tf types.Timeframe, limit int) ([]types.SearchResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.search_by_tags")
	defer ltm.tracer.EndSpan(span)

	req := storage.SearchRequest{
		Strategy:  storage.StrategyTags,
		Tags:      tagList,
		MatchAll:  matchAll,
		Timeframe: tf,
		Limit:     limit,
	}
	return ltm.cachedSearch(ctx, req, ltm.store.SearchByTags)
}

// SearchWithRelevance retrieves candidates (vector when a query is
// present, tag search otherwise), joins batch-loaded tags, and applies
// the composite scorer.
func (ltm *LongTermMemory) SearchWithRelevance(ctx context.Context, tf types.Timeframe, query string, queryTags []string, limit int, metadata map[string]interface{}) ([]types.SearchResult, error) {
	ctx, span := ltm.tracer.StartSpan(ctx, "ltm.search_with_relevance")
	defer ltm.tracer.EndSpan(span)
	span.SetAttribute("query_tag_count", len(queryTags))

	req := storage.SearchRequest{
		Strategy:  storage.StrategyRelevance,
		Query:     query,
		Tags:      queryTags,
		Timeframe: tf,
		Limit:     limit,
		Metadata:  metadata,
	}
	if cached, ok := ltm.cache.Get(req); ok {
		return cached, nil
	}

	var (
		candidates []types.SearchResult
		err        error
	)
	switch {
	case query != "":
		var embedding []float32
		embedding, err = ltm.EmbedQuery(ctx, query)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		// Over-fetch so the rerank has candidates to reorder.
		candidates, err = ltm.store.SearchVector(ctx, storage.SearchRequest{
			Strategy:  storage.StrategyVector,
			Query:     query,
			Embedding: embedding,
			Timeframe: tf,
			Limit:     relevanceCandidateLimit(limit),
			Metadata:  metadata,
		})
	case len(queryTags) > 0:
		candidates, err = ltm.store.SearchByTags(ctx, storage.SearchRequest{
			Strategy:  storage.StrategyTags,
			Tags:      queryTags,
			Timeframe: tf,
			Limit:     relevanceCandidateLimit(limit),
		})
	default:
		return nil, types.NewInvalidInput("relevance search requires a query or tags")
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ids := make([]types.NodeID, len(candidates))
	for i := range candidates {
		ids[i] = candidates[i].ID
	}
	tagsByNode, err := ltm.store.BatchLoadNodeTags(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := range candidates {
		candidates[i].Tags = tagsByNode[candidates[i].ID]
		candidates[i].Relevance = ltm.scorer.Score(&candidates[i], queryTags)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance > candidates[j].Relevance
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ltm.cache.Put(req, candidates)
	return candidates, nil
}

// FindQueryMatchingTags returns every tag with at least one hierarchy
// level equal to a lowercase word token of the query.
func (ltm *LongTermMemory) FindQueryMatchingTags(ctx context.Context, query string) ([]string, error) {
	tokens := tags.QueryTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	all, err := ltm.store.DistinctTags(ctx)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, tag := range all {
		if tags.MatchesQueryToken(tag, tokens) {
			matched = append(matched, tag)
		}
	}
	return matched, nil
}

// SampleTags returns up to limit tag names for extractor prompts.
func (ltm *LongTermMemory) SampleTags(ctx context.Context, limit int) ([]string, error) {
	return ltm.store.SampleTags(ctx, limit)
}

// EmbedQuery runs the embedding callable under the embedding breaker.
// Breaker rejections unwrap to ErrCircuitOpen; provider failures surface
// as EmbeddingError.
func (ltm *LongTermMemory) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	breaker := ltm.breakers.GetBreaker(resilience.ServiceEmbedding)

	var embedding []float32
	err := breaker.Execute(func() error {
		vec, err := ltm.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		embedding = vec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// CacheStats returns the query cache counters.
func (ltm *LongTermMemory) CacheStats() storage.CacheStats {
	return ltm.cache.Stats()
}

// cachedSearch memoises a search behind the query cache.
func (ltm *LongTermMemory) cachedSearch(ctx context.Context, req storage.SearchRequest, search func(context.Context, storage.SearchRequest) ([]types.SearchResult, error)) ([]types.SearchResult, error) {
	if cached, ok := ltm.cache.Get(req); ok {
		return cached, nil
	}
	results, err := search(ctx, req)
	if err != nil {
		return nil, err
	}
	ltm.cache.Put(req, results)
	return results, nil
}

// relevanceCandidateLimit over-fetches so reranking has headroom.
func relevanceCandidateLimit(limit int) int {
	if limit <= 0 {
		limit = 20
	}
	candidates := limit * 3
	if candidates < 50 {
		candidates = 50
	}
	return candidates
}

// logOp appends to the audit log; failures are logged, never fatal.
func (ltm *LongTermMemory) logOp(ctx context.Context, op types.Operation, nodeID *types.NodeID, robotID *types.RobotID, details map[string]interface{}) {
	rec := &types.OperationRecord{
		Operation: op,
		NodeID:    nodeID,
		RobotID:   robotID,
		Details:   details,
	}
	if err := ltm.store.LogOperation(ctx, rec); err != nil {
		ltm.logger.Warn("failed to append operation log",
			zap.String("operation", string(op)), zap.Error(err))
	}
}
