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
package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/llm"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/resilience"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/types"
)

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, &types.EmbeddingError{Err: errors.New("provider unavailable")}
}

func (failingEmbedder) Dimensions() int { return 8 }

type failingExtractor struct{}

func (failingExtractor) ExtractTags(ctx context.Context, text string, sample []string) ([]string, error) {
	return nil, &types.TagError{Err: errors.New("provider unavailable")}
}

type jobsFixture struct {
	factory *Factory
	store   *storage.MemStore
	cache   *storage.QueryCache
	tracer  *observability.RecordingTracer
	robotID types.RobotID
}

func newJobsFixture(t *testing.T, embedder llm.Embedder, extractor llm.TagExtractor) *jobsFixture {
	t.Helper()

	if embedder == nil {
		embedder = llm.NewHashEmbedder(8)
	}
	store := storage.NewMemStore()
	cache := storage.NewQueryCache(16, time.Minute, nil)
	tracer := observability.NewRecordingTracer()
	breakers := resilience.NewRegistry(resilience.DefaultConfig())
	factory := NewFactory(store, cache, embedder, extractor, breakers, tracer)

	robotID, err := store.RegisterRobot(context.Background(), "rover-1")
	require.NoError(t, err)

	return &jobsFixture{factory: factory, store: store, cache: cache, tracer: tracer, robotID: robotID}
}

func (f *jobsFixture) addBareNode(t *testing.T, content string) types.NodeID {
	t.Helper()
	result, err := f.store.AddNode(context.Background(), &types.Node{
		Content:     content,
		ContentHash: types.HashContent(content),
		TokenCount:  4,
	}, f.robotID)
	require.NoError(t, err)
	return result.Node.ID
}

func TestEmbeddingJob_UpsertsVector(t *testing.T) {
	f := newJobsFixture(t, nil, nil)
	ctx := context.Background()
	id := f.addBareNode(t, "route through corridor b is clear")

	require.NoError(t, f.factory.EmbeddingJob(id).Run(ctx))

	node, err := f.store.GetNode(ctx, id, false)
	require.NoError(t, err)
	assert.Len(t, node.Embedding, 8)
	assert.Equal(t, 1, f.tracer.MetricCount("jobs.completed"))

	// Replaying is harmless.
	require.NoError(t, f.factory.EmbeddingJob(id).Run(ctx))
	again, err := f.store.GetNode(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, node.Embedding, again.Embedding)
}

func TestEmbeddingJob_MissingNodeIsHandled(t *testing.T) {
	f := newJobsFixture(t, nil, nil)

	assert.NoError(t, f.factory.EmbeddingJob(9999).Run(context.Background()))
}

func TestEmbeddingJob_BreakerOpenIsNotAnError(t *testing.T) {
	f := newJobsFixture(t, failingEmbedder{}, nil)
	ctx := context.Background()
	id := f.addBareNode(t, "pending embedding content")

	// Failures up to the threshold surface as errors.
	for i := 0; i < resilience.DefaultConfig().FailureThreshold; i++ {
		assert.Error(t, f.factory.EmbeddingJob(id).Run(ctx))
	}

	// Once the breaker opens the job reports a handled outcome.
	assert.NoError(t, f.factory.EmbeddingJob(id).Run(ctx))

	// The node is still pending, visible to the replay scan.
	pending, err := f.store.NodesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, pending, id)
}

func TestTagJob_ExtractsAndSanitises(t *testing.T) {
	extractor := &llm.KeywordTagExtractor{Lookup: map[string]string{
		"corridor": "env:corridor",
		"clear":    "status:clear",
	}}
	f := newJobsFixture(t, nil, extractor)
	ctx := context.Background()
	id := f.addBareNode(t, "corridor b reported clear")

	require.NoError(t, f.factory.TagJob(id).Run(ctx))

	stored, err := f.store.GetNodeTags(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"env:corridor", "status:clear"}, stored)
}

func TestTagJob_NilExtractorIsNoOp(t *testing.T) {
	f := newJobsFixture(t, nil, nil)
	id := f.addBareNode(t, "untagged content")

	require.NoError(t, f.factory.TagJob(id).Run(context.Background()))

	stored, err := f.store.GetNodeTags(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestTagJob_BreakerOpenIsNotAnError(t *testing.T) {
	f := newJobsFixture(t, nil, failingExtractor{})
	ctx := context.Background()
	id := f.addBareNode(t, "pending tags content")

	for i := 0; i < resilience.DefaultConfig().FailureThreshold; i++ {
		assert.Error(t, f.factory.TagJob(id).Run(ctx))
	}
	assert.NoError(t, f.factory.TagJob(id).Run(ctx))

	pending, err := f.store.NodesMissingTags(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, pending, id)
}

func TestReplayPending_EnqueuesBothKinds(t *testing.T) {
	extractor := &llm.KeywordTagExtractor{Lookup: map[string]string{
		"dock": "env:dock",
	}}
	f := newJobsFixture(t, nil, extractor)
	ctx := context.Background()

	a := f.addBareNode(t, "waiting at the dock")
	b := f.addBareNode(t, "second memory near the dock")

	backend := NewInlineBackend()
	enqueued, err := f.factory.ReplayPending(ctx, backend, 100)
	require.NoError(t, err)
	// Two embedding jobs plus two tag jobs.
	assert.Equal(t, 4, enqueued)

	for _, id := range []types.NodeID{a, b} {
		node, err := f.store.GetNode(ctx, id, false)
		require.NoError(t, err)
		assert.NotEmpty(t, node.Embedding)
		tags, err := f.store.GetNodeTags(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, tags)
	}

	// Nothing left to replay.
	enqueued, err = f.factory.ReplayPending(ctx, backend, 100)
	require.NoError(t, err)
	assert.Zero(t, enqueued)
}

func TestPoolBackend_RunsJobsAndDrainsOnShutdown(t *testing.T) {
	f := newJobsFixture(t, nil, nil)
	ctx := context.Background()

	backend := NewPoolBackend(2, 16)
	var ids []types.NodeID
	for _, content := range []string{"first", "second", "third", "fourth"} {
		id := f.addBareNode(t, content)
		ids = append(ids, id)
		require.NoError(t, backend.Enqueue(ctx, f.factory.EmbeddingJob(id)))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, backend.Shutdown(shutdownCtx))

	for _, id := range ids {
		node, err := f.store.GetNode(ctx, id, false)
		require.NoError(t, err)
		assert.NotEmpty(t, node.Embedding, "node %d should be embedded after drain", id)
	}

	// A closed backend rejects new work.
	err := backend.Enqueue(ctx, f.factory.EmbeddingJob(ids[0]))
	assert.True(t, types.IsInvalidInput(err))

	// Shutdown is idempotent.
	assert.NoError(t, backend.Shutdown(ctx))
}

func TestPoolBackend_RejectsWhenQueueFull(t *testing.T) {
	f := newJobsFixture(t, nil, nil)
	ctx := context.Background()
	id := f.addBareNode(t, "queued content")

	// Zero workers never drain, so capacity is exactly the queue size.
	backend := &PoolBackend{queue: make(chan Job, 1), logger: zap.NewNop()}
	require.NoError(t, backend.Enqueue(ctx, f.factory.EmbeddingJob(id)))
	err := backend.Enqueue(ctx, f.factory.EmbeddingJob(id))
	assert.True(t, types.IsInvalidInput(err))
}

type recordingWriter struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (w *recordingWriter) WriteJob(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, append([]byte(nil), payload...))
	return nil
}

func TestExternalBackend_SerialisesJobRef(t *testing.T) {
	f := newJobsFixture(t, nil, nil)
	ctx := context.Background()
	id := f.addBareNode(t, "externally queued")

	writer := &recordingWriter{}
	backend := NewExternalBackend(writer)
	require.NoError(t, backend.Enqueue(ctx, f.factory.TagJob(id)))

	require.Len(t, writer.payloads, 1)
	assert.Contains(t, string(writer.payloads[0]), `"kind":"tags"`)

	// A consumer round-trips the reference back into a runnable job.
	job, err := f.factory.RebuildJob(JobRef{Kind: KindEmbedding, NodeID: id})
	require.NoError(t, err)
	assert.Equal(t, KindEmbedding, job.Kind())
	assert.Equal(t, id, job.NodeID())

	_, err = f.factory.RebuildJob(JobRef{Kind: "unknown", NodeID: id})
	assert.True(t, types.IsInvalidInput(err))
}

func TestEnrichmentInvalidatesQueryCache(t *testing.T) {
	f := newJobsFixture(t, nil, &llm.KeywordTagExtractor{Lookup: map[string]string{
		"corridor": "env:corridor",
	}})
	ctx := context.Background()
	id := f.addBareNode(t, "corridor b is blocked by debris")

	req := storage.SearchRequest{Strategy: storage.StrategyFulltext, Query: "corridor", Limit: 10}
	f.cache.Put(req, nil)
	require.Equal(t, 1, f.cache.Len())

	// A fresh embedding changes what vector search would return, so the
	// memoised results are dropped.
	require.NoError(t, f.factory.EmbeddingJob(id).Run(ctx))
	assert.Zero(t, f.cache.Len())

	f.cache.Put(req, nil)
	require.NoError(t, f.factory.TagJob(id).Run(ctx))
	assert.Zero(t, f.cache.Len())

	tags, err := f.store.GetNodeTags(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, tags, "env:corridor")
}
