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

// Package jobs runs asynchronous enrichment: embedding generation and
// tag extraction for freshly remembered nodes. Jobs are idempotent
// upserts, so replaying one after a crash or a duplicate enqueue is
// harmless. A tripped circuit breaker counts as a handled outcome; the
// node stays on the pending list and the replay path picks it up later.
package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/llm"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/resilience"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/tags"
	"github.com/memoryfab/htm/pkg/types"
)

// Kind identifies a job type on the wire and in metrics.
type Kind string

const (
	KindEmbedding Kind = "embedding"
	KindTags      Kind = "tags"
)

// Job outcomes as recorded in the jobs.completed metric.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeMissing     = "missing"
)

// Job is one unit of enrichment work.
type Job interface {
	Kind() Kind
	NodeID() types.NodeID

	// Run executes the job. Breaker-open and node-gone conditions are
	// handled outcomes, not errors.
	Run(ctx context.Context) error
}

// sampleTagLimit caps the existing-tag sample handed to the extractor
// prompt.
const sampleTagLimit = 50

// Factory builds enrichment jobs over a shared dependency set.
type Factory struct {
	store     storage.Store
	cache     *storage.QueryCache
	embedder  llm.Embedder
	extractor llm.TagExtractor
	breakers  *resilience.Registry
	tracer    observability.Tracer
	logger    *zap.Logger
}

// NewFactory wires the enrichment job factory. cache is the query cache
// shared with the search path; enrichment writes clear it so stale
// results do not outlive a new embedding or tag set. It may be nil when
// no cache is in play, e.g. the replay CLI. extractor may be nil when
// tag extraction is not configured; TagJob then reports success without
// touching the node.
func NewFactory(
	store storage.Store,
	cache *storage.QueryCache,
	embedder llm.Embedder,
	extractor llm.TagExtractor,
	breakers *resilience.Registry,
	tracer observability.Tracer,
) *Factory {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Factory{
		store:     store,
		cache:     cache,
		embedder:  embedder,
		extractor: extractor,
		breakers:  breakers,
		tracer:    tracer,
		logger:    zap.L().Named("jobs"),
	}
}

// invalidate clears memoised search results after an enrichment write.
func (f *Factory) invalidate() {
	if f.cache != nil {
		f.cache.Clear()
	}
}

// EmbeddingJob builds a job that embeds the node's content and upserts
// the vector.
func (f *Factory) EmbeddingJob(nodeID types.NodeID) Job {
	return &embeddingJob{factory: f, nodeID: nodeID}
}

// TagJob builds a job that extracts hierarchical tags for the node.
func (f *Factory) TagJob(nodeID types.NodeID) Job {
	return &tagJob{factory: f, nodeID: nodeID}
}

// ReplayPending scans for nodes missing embeddings or tags and
// re-enqueues the matching jobs. Returns the number enqueued.
func (f *Factory) ReplayPending(ctx context.Context, backend Backend, limit int) (int, error) {
	ctx, span := f.tracer.StartSpan(ctx, "jobs.replay_pending")
	defer f.tracer.EndSpan(span)

	if limit <= 0 {
		limit = 100
	}

	enqueued := 0

	missingEmbedding, err := f.store.NodesMissingEmbedding(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, id := range missingEmbedding {
		if err := backend.Enqueue(ctx, f.EmbeddingJob(id)); err != nil {
			span.RecordError(err)
			return enqueued, err
		}
		enqueued++
	}

	if f.extractor != nil {
		missingTags, err := f.store.NodesMissingTags(ctx, limit)
		if err != nil {
			span.RecordError(err)
			return enqueued, err
		}
		for _, id := range missingTags {
			if err := backend.Enqueue(ctx, f.TagJob(id)); err != nil {
				span.RecordError(err)
				return enqueued, err
			}
			enqueued++
		}
	}

	f.logger.Info("replayed pending enrichment",
		zap.Int("enqueued", enqueued))
	span.SetAttribute("enqueued", enqueued)
	return enqueued, nil
}

// observe records the duration and outcome of a job run.
func (f *Factory) observe(kind Kind, outcome string, start time.Time) {
	labels := map[string]string{"job": string(kind), "outcome": outcome}
	f.tracer.RecordMetric("jobs.duration_ms", float64(time.Since(start).Milliseconds()), labels)
	f.tracer.RecordMetric("jobs.completed", 1, labels)
}

type embeddingJob struct {
	factory *Factory
	nodeID  types.NodeID
}

func (j *embeddingJob) Kind() Kind           { return KindEmbedding }
func (j *embeddingJob) NodeID() types.NodeID { return j.nodeID }

func (j *embeddingJob) Run(ctx context.Context) error {
	f := j.factory
	start := time.Now()
	ctx, span := f.tracer.StartSpan(ctx, "jobs.embedding")
	defer f.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(j.nodeID))

	node, err := f.store.GetNode(ctx, j.nodeID, false)
	if errors.Is(err, types.ErrNotFound) {
		// Forgotten between enqueue and run; nothing to enrich.
		f.observe(KindEmbedding, OutcomeMissing, start)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		f.observe(KindEmbedding, OutcomeError, start)
		return err
	}
	if len(node.Embedding) > 0 {
		f.observe(KindEmbedding, OutcomeSuccess, start)
		return nil
	}

	breaker := f.breakers.GetBreaker(resilience.ServiceEmbedding)
	var embedding []float32
	err = breaker.Execute(func() error {
		vec, embedErr := f.embedder.Embed(ctx, node.Content)
		if embedErr != nil {
			return embedErr
		}
		embedding = vec
		return nil
	})
	if errors.Is(err, types.ErrCircuitOpen) {
		f.logger.Warn("embedding breaker open, node stays pending",
			zap.Int64("node_id", int64(j.nodeID)))
		f.observe(KindEmbedding, OutcomeCircuitOpen, start)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		f.observe(KindEmbedding, OutcomeError, start)
		return err
	}

	if err := f.store.UpdateNodeEmbedding(ctx, j.nodeID, embedding); err != nil {
		span.RecordError(err)
		f.observe(KindEmbedding, OutcomeError, start)
		return err
	}
	f.invalidate()

	f.observe(KindEmbedding, OutcomeSuccess, start)
	return nil
}

type tagJob struct {
	factory *Factory
	nodeID  types.NodeID
}

func (j *tagJob) Kind() Kind           { return KindTags }
func (j *tagJob) NodeID() types.NodeID { return j.nodeID }

func (j *tagJob) Run(ctx context.Context) error {
	f := j.factory
	start := time.Now()
	ctx, span := f.tracer.StartSpan(ctx, "jobs.tags")
	defer f.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(j.nodeID))

	if f.extractor == nil {
		f.observe(KindTags, OutcomeSuccess, start)
		return nil
	}

	node, err := f.store.GetNode(ctx, j.nodeID, false)
	if errors.Is(err, types.ErrNotFound) {
		f.observe(KindTags, OutcomeMissing, start)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		f.observe(KindTags, OutcomeError, start)
		return err
	}

	// Sampling existing tags steers the extractor toward the vocabulary
	// already in use.
	sample, err := f.store.SampleTags(ctx, sampleTagLimit)
	if err != nil {
		span.RecordError(err)
		f.observe(KindTags, OutcomeError, start)
		return err
	}

	breaker := f.breakers.GetBreaker(resilience.ServiceTags)
	var extracted []string
	err = breaker.Execute(func() error {
		raw, extractErr := f.extractor.ExtractTags(ctx, node.Content, sample)
		if extractErr != nil {
			return extractErr
		}
		extracted = raw
		return nil
	})
	if errors.Is(err, types.ErrCircuitOpen) {
		f.logger.Warn("tag breaker open, node stays pending",
			zap.Int64("node_id", int64(j.nodeID)))
		f.observe(KindTags, OutcomeCircuitOpen, start)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		f.observe(KindTags, OutcomeError, start)
		return err
	}

	valid := tags.Sanitize(extracted, tags.MaxDepth)
	if len(valid) == 0 {
		f.observe(KindTags, OutcomeSuccess, start)
		return nil
	}

	if err := f.store.AddNodeTags(ctx, j.nodeID, valid); err != nil {
		span.RecordError(err)
		f.observe(KindTags, OutcomeError, start)
		return err
	}
	f.invalidate()

	span.SetAttribute("tag_count", len(valid))
	f.observe(KindTags, OutcomeSuccess, start)
	return nil
}
