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
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/types"
)

// Backend accepts enrichment jobs for execution.
type Backend interface {
	// Enqueue hands a job to the backend. Inline backends run it before
	// returning; asynchronous backends return once it is queued.
	Enqueue(ctx context.Context, job Job) error

	// Shutdown stops accepting work and waits for in-flight jobs until
	// the context expires.
	Shutdown(ctx context.Context) error
}

// NewBackend builds the backend selected by configuration. The external
// backend needs a queue writer and must be constructed directly.
func NewBackend(cfg config.JobConfig, factory *Factory) Backend {
	switch cfg.Backend {
	case config.JobBackendThread:
		return NewPoolBackend(cfg.Workers, cfg.QueueSize)
	default:
		return NewInlineBackend()
	}
}

// InlineBackend runs jobs synchronously on the caller's goroutine.
// Enqueue errors surface job failures directly, which suits tests and
// single-shot CLI paths.
type InlineBackend struct{}

func NewInlineBackend() *InlineBackend { return &InlineBackend{} }

func (b *InlineBackend) Enqueue(ctx context.Context, job Job) error {
	return job.Run(ctx)
}

func (b *InlineBackend) Shutdown(ctx context.Context) error { return nil }

// PoolBackend runs jobs on a bounded worker pool fed by a bounded
// queue. Enqueue fails fast when the queue is full rather than
// blocking the remember path.
type PoolBackend struct {
	queue  chan Job
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPoolBackend starts workers draining a queue of queueSize jobs.
func NewPoolBackend(workers, queueSize int) *PoolBackend {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	b := &PoolBackend{
		queue:  make(chan Job, queueSize),
		logger: zap.L().Named("jobs.pool"),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *PoolBackend) worker() {
	defer b.wg.Done()
	for job := range b.queue {
		// Workers own their run context; the enqueuing request may be
		// long gone by the time the job executes.
		if err := job.Run(context.Background()); err != nil {
			b.logger.Warn("enrichment job failed",
				zap.String("job", string(job.Kind())),
				zap.Int64("node_id", int64(job.NodeID())),
				zap.Error(err))
		}
	}
}

func (b *PoolBackend) Enqueue(ctx context.Context, job Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewInvalidInput("job backend is shut down")
	}
	b.mu.Unlock()

	select {
	case b.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return types.NewInvalidInput("job queue full")
	}
}

// Shutdown closes the queue and waits for the workers to drain it.
func (b *PoolBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueWriter delivers serialised job references to an external queue
// system. Implementations decide durability and delivery semantics.
type QueueWriter interface {
	WriteJob(ctx context.Context, payload []byte) error
}

// JobRef is the wire form of a job handed to an external queue. A
// consumer rebuilds the job from kind and node id through a Factory.
type JobRef struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	NodeID     types.NodeID `json:"node_id"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// ExternalBackend serialises jobs into a QueueWriter instead of running
// them in-process.
type ExternalBackend struct {
	writer QueueWriter
	logger *zap.Logger
}

func NewExternalBackend(writer QueueWriter) *ExternalBackend {
	return &ExternalBackend{
		writer: writer,
		logger: zap.L().Named("jobs.external"),
	}
}

func (b *ExternalBackend) Enqueue(ctx context.Context, job Job) error {
	ref := JobRef{
		ID:         uuid.NewString(),
		Kind:       job.Kind(),
		NodeID:     job.NodeID(),
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	if err := b.writer.WriteJob(ctx, payload); err != nil {
		return err
	}
	b.logger.Debug("job handed to external queue",
		zap.String("job_id", ref.ID),
		zap.String("job", string(ref.Kind)),
		zap.Int64("node_id", int64(ref.NodeID)))
	return nil
}

func (b *ExternalBackend) Shutdown(ctx context.Context) error { return nil }

// RebuildJob reconstructs a runnable job from a consumed JobRef.
func (f *Factory) RebuildJob(ref JobRef) (Job, error) {
	switch ref.Kind {
	case KindEmbedding:
		return f.EmbeddingJob(ref.NodeID), nil
	case KindTags:
		return f.TagJob(ref.NodeID), nil
	default:
		return nil, types.NewInvalidInput("unknown job kind %q", ref.Kind)
	}
}
