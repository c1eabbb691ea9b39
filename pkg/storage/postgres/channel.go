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
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/types"
)

const (
	channelPrefix = "htm_wm_"

	// maxNotifyPayload stays under the server's NOTIFY payload ceiling.
	maxNotifyPayload = 8000

	// listenPollInterval bounds how long Stop waits for the listener to
	// notice cancellation.
	listenPollInterval = 500 * time.Millisecond
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// ChannelName derives the NOTIFY channel name from a group name,
// replacing runs of non-alphanumerics with underscores.
func ChannelName(group string) string {
	sanitised := strings.ToLower(nonAlnum.ReplaceAllString(group, "_"))
	return channelPrefix + strings.Trim(sanitised, "_")
}

// Channel is the group coordination bus on PostgreSQL LISTEN/NOTIFY.
//
// Delivery is at-most-once, best-effort, unordered across publishers.
// Consumers reconcile against the database; the working-memory flag on
// the edge is the source of truth.
type Channel struct {
	pool   *pgxpool.Pool
	name   string
	tracer observability.Tracer
	logger *zap.Logger

	mu        sync.Mutex
	callbacks []func(types.Notification)
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool

	received atomic.Int64
}

// NewChannel creates a channel for the named group. Start must be called
// before notifications are received.
func NewChannel(pool *pgxpool.Pool, group string, tracer observability.Tracer) *Channel {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Channel{
		pool:   pool,
		name:   ChannelName(group),
		tracer: tracer,
		logger: zap.L().Named("channel"),
	}
}

// Name returns the NOTIFY channel name.
func (c *Channel) Name() string { return c.name }

// Received returns how many notifications the listener has dispatched.
func (c *Channel) Received() int64 { return c.received.Load() }

// OnChange registers a callback invoked synchronously on the listener
// goroutine for every received notification.
func (c *Channel) OnChange(fn func(types.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Notify publishes an event to the channel. nodeID may be nil for
// cleared events.
func (c *Channel) Notify(ctx context.Context, event types.ChannelEvent, nodeID *types.NodeID, robotID types.RobotID) error {
	payload, err := json.Marshal(types.Notification{
		Event:   event,
		NodeID:  nodeID,
		RobotID: robotID,
		TS:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return types.NewInvalidInput("notification payload exceeds %d bytes", maxNotifyPayload)
	}

	_, err = c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", c.name, string(payload))
	if err != nil {
		return types.NewDatabaseError("notify", err)
	}
	return nil
}

// Start begins listening on a dedicated connection. Idempotent.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	// The listener holds its connection outside the pool for its whole
	// lifetime; Stop closes it.
	poolConn, err := c.pool.Acquire(ctx)
	if err != nil {
		return types.NewDatabaseError("channel_acquire", err)
	}
	conn := poolConn.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return types.NewDatabaseError("listen", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.listen(listenCtx, conn)

	c.logger.Info("channel listener started", zap.String("channel", c.name))
	return nil
}

// Stop cancels the listener and waits for it to exit. Idempotent.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.logger.Info("channel listener stopped", zap.String("channel", c.name))
}

// listen polls for notifications with a short deadline so cancellation is
// noticed promptly. Callback panics are logged, never fatal.
func (c *Channel) listen(ctx context.Context, conn *pgx.Conn) {
	defer close(c.done)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, listenPollInterval)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("channel listener failed", zap.String("channel", c.name), zap.Error(err))
			return
		}

		c.dispatch(notification.Payload)
	}
}

func (c *Channel) dispatch(payload string) {
	var notification types.Notification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		c.logger.Warn("discarding malformed notification",
			zap.String("channel", c.name), zap.Error(err))
		return
	}

	c.received.Add(1)
	c.tracer.RecordMetric("channel.notifications", 1, map[string]string{
		"event": string(notification.Event),
	})

	c.mu.Lock()
	callbacks := append([]func(types.Notification){}, c.callbacks...)
	c.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("channel callback panicked",
						zap.String("channel", c.name), zap.Any("panic", r))
				}
			}()
			fn(notification)
		}()
	}
}
