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
	"sync"
)

// Well-known breaker service names.
const (
	ServiceEmbedding    = "embedding"
	ServiceTags         = "tags"
	ServicePropositions = "propositions"
)

// Registry holds one breaker per named service. Within a process the
// breaker for a given name is a singleton: concurrent GetBreaker calls for
// the same name return the same instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry with the given default breaker config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// GetBreaker returns the breaker for the named service, creating it if
// needed. Double-checked locking keeps the read path cheap.
func (r *Registry) GetBreaker(service string) *Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[service]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[service]; exists {
		return breaker
	}

	breaker = New(service, r.config)
	r.breakers[service] = breaker
	return breaker
}

// AllStats returns statistics for every breaker, keyed by service name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for service, breaker := range r.breakers {
		stats[service] = breaker.Stats()
	}
	return stats
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, breaker := range r.breakers {
		breaker.Reset()
	}
}
