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
package observability

import (
	"sync"
)

// RecordingTracer captures metrics in memory so tests can assert on them.
// Spans behave like the no-op tracer.
type RecordingTracer struct {
	NoOpTracer

	mu      sync.Mutex
	metrics map[string][]float64
}

// NewRecordingTracer creates a tracer that accumulates recorded metrics.
func NewRecordingTracer() *RecordingTracer {
	return &RecordingTracer{
		metrics: make(map[string][]float64),
	}
}

// RecordMetric appends the value under the metric name.
func (t *RecordingTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics[name] = append(t.metrics[name], value)
}

// MetricCount returns how many times the named metric was recorded.
func (t *RecordingTracer) MetricCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.metrics[name])
}

// MetricSum returns the sum of all recorded values for the named metric.
func (t *RecordingTracer) MetricSum(name string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, v := range t.metrics[name] {
		sum += v
	}
	return sum
}

var _ Tracer = (*RecordingTracer)(nil)
