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
package htm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/types"
)

// Loopback is an in-process Notifier. Notify dispatches synchronously
// to every callback, matching the at-most-once semantics of the
// database channel without a broker. Suits single-process groups and
// tests.
type Loopback struct {
	name string

	mu        sync.RWMutex
	callbacks []func(types.Notification)
	started   bool

	logger *zap.Logger
}

// NewLoopback creates a loopback notifier for a group name.
func NewLoopback(name string) *Loopback {
	return &Loopback{
		name:   name,
		logger: zap.L().Named("loopback"),
	}
}

func (l *Loopback) Name() string { return l.name }

func (l *Loopback) OnChange(fn func(types.Notification)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, fn)
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

func (l *Loopback) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
}

// Notify fans the event out to every callback. Callback panics are
// contained, as with the database listener.
func (l *Loopback) Notify(ctx context.Context, event types.ChannelEvent, nodeID *types.NodeID, robotID types.RobotID) error {
	n := types.Notification{
		Event:   event,
		NodeID:  nodeID,
		RobotID: robotID,
		TS:      time.Now().UTC(),
	}

	l.mu.RLock()
	callbacks := append([]func(types.Notification){}, l.callbacks...)
	l.mu.RUnlock()

	for _, fn := range callbacks {
		l.dispatch(fn, n)
	}
	return nil
}

func (l *Loopback) dispatch(fn func(types.Notification), n types.Notification) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("notification callback panicked",
				zap.Any("panic", r), zap.String("event", string(n.Event)))
		}
	}()
	fn(n)
}

var _ Notifier = (*Loopback)(nil)
