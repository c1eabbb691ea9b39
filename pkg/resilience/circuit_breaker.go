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

// Package resilience provides the circuit breakers gating calls to the
// external callables (embedding, tag extraction, propositions).
package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryfab/htm/pkg/types"
)

// State is the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, reject immediately
	StateHalfOpen              // probing with a bounded call budget
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// ResetTimeout is the wall-clock wait in the open state before the
	// breaker admits half-open probes.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget in half-open: all probes must
	// succeed to close the circuit; any failure reopens it.
	HalfOpenMaxCalls int

	// OnStateChange is invoked on every transition, outside the lock.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a closed/open/half-open state machine for one named service.
// All state observations and transitions happen under one mutex so
// concurrent callers see the state atomically.
type Breaker struct {
	name string

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenInUse   int // probes admitted since entering half-open
	lastFailureTime time.Time
	lastStateChange time.Time
	lastError       error
	config          Config
}

// New creates a breaker for the named service.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &Breaker{
		name:            name,
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
	}
}

// OpenError is returned when the breaker rejects a call without invoking
// the callable. It unwraps to types.ErrCircuitOpen.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %v", e.Service, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return types.ErrCircuitOpen }

// Execute wraps a call with circuit breaker logic. When the circuit is
// open (or the half-open probe budget is spent) the operation is not
// invoked and an OpenError is returned.
func (b *Breaker) Execute(operation func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := operation()
	b.afterCall(err)
	return err
}

// beforeCall admits or rejects the call, claiming a half-open probe slot
// atomically with the state observation.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := time.Since(b.lastFailureTime)
		if elapsed < b.config.ResetTimeout {
			return &OpenError{Service: b.name, RetryAfter: b.config.ResetTimeout - elapsed}
		}
		// Timeout elapsed: move to half-open and claim the first probe.
		b.transition(StateHalfOpen)
		b.successCount = 0
		b.halfOpenInUse = 1
		zap.L().Info("circuit_breaker_half_open",
			zap.String("service", b.name),
			zap.Duration("elapsed", elapsed))
		return nil

	case StateHalfOpen:
		if b.halfOpenInUse >= b.config.HalfOpenMaxCalls {
			return &OpenError{Service: b.name, RetryAfter: 0}
		}
		b.halfOpenInUse++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// afterCall records the outcome and drives state transitions.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure(err)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.HalfOpenMaxCalls {
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenInUse = 0
			b.transition(StateClosed)
			zap.L().Info("circuit_breaker_closed",
				zap.String("service", b.name))
		}
	}
}

func (b *Breaker) onFailure(err error) {
	b.lastFailureTime = time.Now()
	b.lastError = err

	switch b.state {
	case StateClosed:
		b.failureCount++
		zap.L().Warn("circuit_breaker_failure",
			zap.String("service", b.name),
			zap.Error(err),
			zap.Int("failure_count", b.failureCount),
			zap.Int("threshold", b.config.FailureThreshold))

		if b.failureCount >= b.config.FailureThreshold {
			b.transition(StateOpen)
			zap.L().Error("circuit_breaker_opened",
				zap.String("service", b.name),
				zap.Int("consecutive_failures", b.failureCount))
		}

	case StateHalfOpen:
		// Any half-open failure reopens immediately and restarts the timer.
		b.successCount = 0
		b.halfOpenInUse = 0
		b.transition(StateOpen)
		zap.L().Warn("circuit_breaker_reopened",
			zap.String("service", b.name),
			zap.Error(err))
	}
}

// transition changes state; caller holds the lock.
func (b *Breaker) transition(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	if b.config.OnStateChange != nil {
		// Callbacks run outside the lock to avoid re-entrancy deadlocks.
		go b.config.OnStateChange(oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Service          string
	State            State
	FailureCount     int
	SuccessCount     int
	LastFailureTime  time.Time
	LastStateChange  time.Time
	FailureThreshold int
	HalfOpenMaxCalls int
}

// Stats returns the breaker's current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:          b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastFailureTime:  b.lastFailureTime,
		LastStateChange:  b.lastStateChange,
		FailureThreshold: b.config.FailureThreshold,
		HalfOpenMaxCalls: b.config.HalfOpenMaxCalls,
	}
}

// Reset manually closes the breaker without waiting for the timeout.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInUse = 0
	b.lastFailureTime = time.Time{}
	b.lastStateChange = time.Now()

	zap.L().Info("circuit_breaker_reset",
		zap.String("service", b.name),
		zap.String("previous_state", oldState.String()))

	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
