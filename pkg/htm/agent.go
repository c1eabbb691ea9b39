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

// Package htm binds the memory tiers into agent-facing orchestrators:
// an Agent owns one robot identity, one working memory, and a handle on
// the shared long-term memory; a Group coordinates several agents over
// a pub/sub channel.
package htm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/jobs"
	"github.com/memoryfab/htm/pkg/llm"
	"github.com/memoryfab/htm/pkg/memory"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/timeframe"
	"github.com/memoryfab/htm/pkg/types"
)

// Confirmed is the sentinel a caller must pass to Forget for a hard
// delete.
const Confirmed = "CONFIRMED"

// RecallStrategy selects the retrieval method for Recall.
type RecallStrategy string

const (
	RecallVector    RecallStrategy = "vector"
	RecallFulltext  RecallStrategy = "fulltext"
	RecallHybrid    RecallStrategy = "hybrid"
	RecallRelevance RecallStrategy = "relevance"
)

// Notifier publishes and receives working-memory change events. The
// Postgres channel implements it; tests use a Loopback.
type Notifier interface {
	Notify(ctx context.Context, event types.ChannelEvent, nodeID *types.NodeID, robotID types.RobotID) error
	OnChange(fn func(types.Notification))
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// AgentConfig wires an Agent.
type AgentConfig struct {
	// Name registers (or finds) the robot identity.
	Name string

	// LTM is the shared long-term memory engine.
	LTM *memory.LongTermMemory

	// MaxWMTokens bounds the agent's working memory; 0 means the default.
	MaxWMTokens int

	// TokenCounter counts content tokens; nil falls back to word count.
	TokenCounter llm.TokenCounter

	// Jobs builds enrichment jobs; Backend runs them. Both optional;
	// without them nodes stay unenriched until an operator replay.
	Jobs    *jobs.Factory
	Backend jobs.Backend

	// OwnBackend hands backend lifetime to the agent; Shutdown drains it.
	OwnBackend bool

	// Notifier publishes WM change events. Optional.
	Notifier Notifier

	// OwnNotifier hands notifier lifetime to the agent; Shutdown stops it.
	OwnNotifier bool

	Tracer observability.Tracer

	// Cleanup runs last during Shutdown, e.g. returning the pool.
	Cleanup func()
}

// Agent binds one robot identity to one working memory and the shared
// long-term memory. Safe for concurrent use.
type Agent struct {
	name    string
	robotID types.RobotID

	ltm     *memory.LongTermMemory
	wm      *memory.WorkingMemory
	counter llm.TokenCounter

	jobs    *jobs.Factory
	backend jobs.Backend

	notifier Notifier

	tracer observability.Tracer
	logger *zap.Logger

	ownBackend  bool
	ownNotifier bool
	cleanup     func()
	shutdown    sync.Once
}

// NewAgent registers the robot identity and assembles the orchestrator.
func NewAgent(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	if cfg.LTM == nil {
		return nil, types.NewInvalidInput("long-term memory is required")
	}

	robotID, err := cfg.LTM.RegisterRobot(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}

	counter := cfg.TokenCounter
	if counter == nil {
		counter = llm.WordCounter{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}

	return &Agent{
		name:        cfg.Name,
		robotID:     robotID,
		ltm:         cfg.LTM,
		wm:          memory.NewWorkingMemory(cfg.MaxWMTokens),
		counter:     counter,
		jobs:        cfg.Jobs,
		backend:     cfg.Backend,
		notifier:    cfg.Notifier,
		tracer:      tracer,
		logger:      zap.L().Named("agent").With(zap.String("robot", cfg.Name)),
		ownBackend:  cfg.OwnBackend,
		ownNotifier: cfg.OwnNotifier,
		cleanup:     cfg.Cleanup,
	}, nil
}

// Name returns the robot name.
func (a *Agent) Name() string { return a.name }

// RobotID returns the registered robot id.
func (a *Agent) RobotID() types.RobotID { return a.robotID }

// WorkingMemory exposes the agent's working memory.
func (a *Agent) WorkingMemory() *memory.WorkingMemory { return a.wm }

// LTM exposes the shared long-term memory.
func (a *Agent) LTM() *memory.LongTermMemory { return a.ltm }

// Remember persists content, places it in working memory, and enqueues
// enrichment. Evictions caused by the insert are flagged in the store
// and published as evicted events. Enrichment failures never surface;
// the node stays pending for replay.
func (a *Agent) Remember(ctx context.Context, content string, metadata map[string]interface{}, tagList []string) (types.NodeID, error) {
	ctx, span := a.tracer.StartSpan(ctx, "agent.remember")
	defer a.tracer.EndSpan(span)

	tokenCount := a.counter.CountTokens(content)
	result, err := a.ltm.Add(ctx, content, tokenCount, a.robotID, nil, metadata)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	nodeID := result.Node.ID
	span.SetAttribute("node_id", int64(nodeID))
	span.SetAttribute("is_new", result.IsNew)

	if len(tagList) > 0 {
		if _, err := a.ltm.AddTags(ctx, nodeID, tagList); err != nil {
			span.RecordError(err)
			return 0, err
		}
	}

	if err := a.placeInWorkingMemory(ctx, result.Node, tokenCount, false); err != nil {
		// Content larger than the whole working memory stays LTM-only.
		a.logger.Warn("node skipped working memory",
			zap.Int64("node_id", int64(nodeID)), zap.Error(err))
	}

	a.enqueueEnrichment(ctx, result)

	a.publish(ctx, types.EventAdded, &nodeID)
	return nodeID, nil
}

// RecallOptions tunes a Recall call.
type RecallOptions struct {
	// Timeframe overrides the one parsed from the query when non-zero.
	Timeframe types.Timeframe

	// Limit caps results; 0 means 20.
	Limit int

	// Strategy defaults to vector.
	Strategy RecallStrategy

	// Metadata filters by JSON containment.
	Metadata map[string]interface{}

	// Raw skips working-memory promotion and access tracking.
	Raw bool
}

// Recall searches long-term memory and promotes the results into
// working memory. Temporal phrases in the query become the timeframe
// filter. An embedding outage downgrades vector and hybrid recalls to
// full text instead of failing.
func (a *Agent) Recall(ctx context.Context, query string, opts RecallOptions) ([]types.SearchResult, error) {
	ctx, span := a.tracer.StartSpan(ctx, "agent.recall")
	defer a.tracer.EndSpan(span)

	extracted := timeframe.Extract(query, time.Now().UTC())
	cleaned := extracted.CleanedQuery
	tf := opts.Timeframe
	if tf.IsZero() {
		tf = extracted.Timeframe
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = RecallVector
	}
	span.SetAttribute("strategy", string(strategy))

	results, err := a.runSearch(ctx, strategy, tf, cleaned, limit, opts.Metadata)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !opts.Raw {
		a.promote(ctx, results)
	}
	span.SetAttribute("result_count", len(results))
	return results, nil
}

// runSearch dispatches to the strategy, downgrading to full text when
// the query embedding step fails.
func (a *Agent) runSearch(ctx context.Context, strategy RecallStrategy, tf types.Timeframe, query string, limit int, metadata map[string]interface{}) ([]types.SearchResult, error) {
	var (
		results []types.SearchResult
		err     error
	)
	switch strategy {
	case RecallFulltext:
		return a.ltm.SearchFulltext(ctx, tf, query, limit, metadata)
	case RecallHybrid:
		results, err = a.ltm.SearchHybrid(ctx, tf, query, limit, 0, metadata)
	case RecallRelevance:
		queryTags, tagErr := a.ltm.FindQueryMatchingTags(ctx, query)
		if tagErr != nil {
			return nil, tagErr
		}
		results, err = a.ltm.SearchWithRelevance(ctx, tf, query, queryTags, limit, metadata)
	default:
		results, err = a.ltm.Search(ctx, tf, query, limit, metadata)
	}

	var embErr *types.EmbeddingError
	if errors.As(err, &embErr) {
		a.logger.Warn("embedding unavailable, downgrading recall to fulltext",
			zap.String("strategy", string(strategy)), zap.Error(err))
		a.tracer.RecordMetric("recall_downgrade", 1, map[string]string{
			"from": string(strategy),
		})
		return a.ltm.SearchFulltext(ctx, tf, query, limit, metadata)
	}
	return results, err
}

// promote pulls recall results into working memory, flags the edges,
// and tracks the access. Failures here degrade the hot cache only, so
// they are logged rather than returned.
func (a *Agent) promote(ctx context.Context, results []types.SearchResult) {
	if len(results) == 0 {
		return
	}

	for i := range results {
		node := results[i].Node
		if a.wm.Has(node.ID) {
			a.wm.Touch(node.ID)
			continue
		}
		if err := a.placeInWorkingMemory(ctx, &node, node.TokenCount, true); err != nil {
			a.logger.Debug("recall result skipped working memory",
				zap.Int64("node_id", int64(node.ID)), zap.Error(err))
			continue
		}
		nodeID := node.ID
		a.publish(ctx, types.EventAdded, &nodeID)
	}

	ids := make([]types.NodeID, 0, len(results))
	for i := range results {
		ids = append(ids, results[i].ID)
	}
	if err := a.ltm.TrackAccess(ctx, ids); err != nil {
		a.logger.Warn("access tracking failed", zap.Error(err))
	}
}

// placeInWorkingMemory adds the node to WM, persists eviction flags,
// and raises the node's own flag.
func (a *Agent) placeInWorkingMemory(ctx context.Context, node *types.Node, tokenCount int, fromRecall bool) error {
	evicted, err := a.wm.Add(node.ID, node.Content, tokenCount, memory.AddOptions{
		AccessCount:  node.AccessCount,
		LastAccessed: node.LastAccessed,
		FromRecall:   fromRecall,
	})
	if err != nil {
		return err
	}

	if len(evicted) > 0 {
		evictedIDs := make([]types.NodeID, len(evicted))
		for i := range evicted {
			evictedIDs[i] = evicted[i].NodeID
		}
		if err := a.ltm.MarkEvicted(ctx, a.robotID, evictedIDs); err != nil {
			a.logger.Warn("failed to flag evicted nodes", zap.Error(err))
		}
		for _, id := range evictedIDs {
			nodeID := id
			a.publish(ctx, types.EventEvicted, &nodeID)
		}
	}

	if err := a.ltm.MarkInWorkingMemory(ctx, a.robotID, []types.NodeID{node.ID}); err != nil {
		a.logger.Warn("failed to flag working-memory node",
			zap.Int64("node_id", int64(node.ID)), zap.Error(err))
	}
	return nil
}

// enqueueEnrichment hands embedding and tag jobs to the backend.
func (a *Agent) enqueueEnrichment(ctx context.Context, result *storage.AddResult) {
	if a.jobs == nil || a.backend == nil {
		return
	}

	if len(result.Node.Embedding) == 0 {
		if err := a.backend.Enqueue(ctx, a.jobs.EmbeddingJob(result.Node.ID)); err != nil {
			a.logger.Warn("embedding job not enqueued",
				zap.Int64("node_id", int64(result.Node.ID)), zap.Error(err))
		}
	}
	if result.IsNew {
		if err := a.backend.Enqueue(ctx, a.jobs.TagJob(result.Node.ID)); err != nil {
			a.logger.Warn("tag job not enqueued",
				zap.Int64("node_id", int64(result.Node.ID)), zap.Error(err))
		}
	}
}

// Retrieve returns a node by id, bumping its access statistics.
func (a *Agent) Retrieve(ctx context.Context, id types.NodeID) (*types.Node, error) {
	node, err := a.ltm.Retrieve(ctx, id, false)
	if err != nil {
		return nil, err
	}
	a.wm.Touch(id)
	return node, nil
}

// Forget removes a node from long-term memory and drops it from
// working memory. A hard delete (soft=false) requires the Confirmed
// sentinel and fails with InvalidInput before any side effect.
func (a *Agent) Forget(ctx context.Context, id types.NodeID, soft bool, confirm string) error {
	if !soft && confirm != Confirmed {
		return types.NewInvalidInput("hard delete requires confirmation sentinel")
	}
	if err := a.ltm.Delete(ctx, id, soft); err != nil {
		return err
	}
	a.wm.Remove(id)
	return nil
}

// Restore clears a soft delete.
func (a *Agent) Restore(ctx context.Context, id types.NodeID) error {
	return a.ltm.Restore(ctx, id)
}

// AssembleContext renders the working memory for prompt injection.
func (a *Agent) AssembleContext(strategy memory.ContextStrategy, maxTokens int) string {
	return a.wm.AssembleContext(strategy, maxTokens)
}

// publish sends a WM change event; failures are logged, never fatal.
func (a *Agent) publish(ctx context.Context, event types.ChannelEvent, nodeID *types.NodeID) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, event, nodeID, a.robotID); err != nil {
		a.logger.Warn("notify failed",
			zap.String("event", string(event)), zap.Error(err))
	}
}

// Shutdown releases owned resources: the notifier listener, the job
// backend, and the cleanup hook, in that order. Idempotent.
func (a *Agent) Shutdown(ctx context.Context) error {
	var err error
	a.shutdown.Do(func() {
		if a.ownNotifier && a.notifier != nil {
			a.notifier.Stop()
		}
		if a.ownBackend && a.backend != nil {
			err = a.backend.Shutdown(ctx)
		}
		if a.cleanup != nil {
			a.cleanup()
		}
	})
	return err
}
