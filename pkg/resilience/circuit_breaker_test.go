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
package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryfab/htm/pkg/types"
)

var errBoom = errors.New("provider down")

func failingCall() error { return errBoom }
func okCall() error      { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("embedding", testConfig())

	for i := 0; i < 3; i++ {
		err := b.Execute(failingCall)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Fourth call fails fast without invoking the callable.
	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.False(t, invoked, "open breaker must not invoke the callable")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("embedding", testConfig())

	require.Error(t, b.Execute(failingCall))
	require.Error(t, b.Execute(failingCall))
	require.NoError(t, b.Execute(okCall))

	// Two more failures do not reach the threshold of three.
	require.Error(t, b.Execute(failingCall))
	require.Error(t, b.Execute(failingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New("embedding", testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Execute(failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// Three successful probes close the circuit.
	for i := 0; i < 3; i++ {
		assert.NoError(t, b.Execute(okCall), "probe %d", i)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("tags", testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Execute(failingCall)
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, b.Execute(okCall))
	require.Error(t, b.Execute(failingCall))
	assert.Equal(t, StateOpen, b.State())

	// The reset timer restarted: an immediate call is rejected.
	err := b.Execute(okCall)
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 1
	b := New("tags", cfg)

	for i := 0; i < 3; i++ {
		_ = b.Execute(failingCall)
	}
	time.Sleep(60 * time.Millisecond)

	var wg sync.WaitGroup
	release := make(chan struct{})
	var admitted, rejected int
	var mu sync.Mutex

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(func() error {
				<-release
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, types.ErrCircuitOpen) {
				rejected++
			} else {
				admitted++
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, admitted, "half-open budget of one admits exactly one probe")
	assert.Equal(t, 3, rejected)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("embedding", testConfig())
	for i := 0; i < 3; i++ {
		_ = b.Execute(failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(okCall))
}

func TestBreaker_Stats(t *testing.T) {
	b := New("embedding", testConfig())
	_ = b.Execute(failingCall)

	stats := b.Stats()
	assert.Equal(t, "embedding", stats.Service)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 3, stats.FailureThreshold)
	assert.False(t, stats.LastFailureTime.IsZero())
}

func TestRegistry_SingletonPerService(t *testing.T) {
	r := NewRegistry(testConfig())

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = r.GetBreaker(ServiceEmbedding)
		}(i)
	}
	wg.Wait()

	for _, b := range breakers[1:] {
		assert.Same(t, breakers[0], b)
	}

	assert.NotSame(t, r.GetBreaker(ServiceEmbedding), r.GetBreaker(ServiceTags))
}

func TestRegistry_AllStats(t *testing.T) {
	r := NewRegistry(testConfig())
	_ = r.GetBreaker(ServiceEmbedding).Execute(failingCall)
	r.GetBreaker(ServiceTags)

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[ServiceEmbedding].FailureCount)
	assert.Equal(t, 0, stats[ServiceTags].FailureCount)
}
