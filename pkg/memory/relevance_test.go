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
package memory

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/types"
)

func newTestScorer(cfg config.RelevanceConfig) *RelevanceScorer {
	s := NewRelevanceScorer(cfg)
	s.SetClock(func() time.Time { return wmBase })
	return s
}

func defaultRelevanceConfig() config.RelevanceConfig {
	return config.Defaults().Relevance
}

func resultAt(similarity float64, lastAccessed time.Time, accessCount int, resultTags ...string) *types.SearchResult {
	res := &types.SearchResult{Similarity: similarity, Tags: resultTags}
	res.LastAccessed = lastAccessed
	res.AccessCount = accessCount
	return res
}

func TestRelevanceScorer_SemanticOnly(t *testing.T) {
	s := newTestScorer(config.RelevanceConfig{
		SemanticWeight: 1.0, RecencyHalfLifeHours: 168,
	})

	res := resultAt(0.8, time.Time{}, 0)
	assert.InDelta(t, 8.0, s.Score(res, nil), 1e-9)

	// Similarity outside [0, 1] clamps rather than skewing the composite.
	assert.InDelta(t, 10.0, s.Score(resultAt(1.7, time.Time{}, 0), nil), 1e-9)
	assert.InDelta(t, 0.0, s.Score(resultAt(-0.2, time.Time{}, 0), nil), 1e-9)
}

func TestRelevanceScorer_TagOverlap(t *testing.T) {
	s := newTestScorer(config.RelevanceConfig{
		TagWeight: 1.0, RecencyHalfLifeHours: 168,
	})

	res := resultAt(0, time.Time{}, 0, "task:nav", "sensor:lidar")

	// Jaccard of {task:nav, sensor:lidar} and {task:nav, env:indoor} is 1/3.
	score := s.Score(res, []string{"task:nav", "env:indoor"})
	assert.InDelta(t, 10.0/3.0, score, 1e-9)

	// No query tags means the tag signal contributes nothing.
	assert.Zero(t, s.Score(res, nil))
}

func TestRelevanceScorer_RecencyHalfLife(t *testing.T) {
	s := newTestScorer(config.RelevanceConfig{
		RecencyWeight: 1.0, RecencyHalfLifeHours: 168,
	})

	// Accessed now: full signal.
	assert.InDelta(t, 10.0, s.Score(resultAt(0, wmBase, 0), nil), 1e-9)

	// One half-life old: half the signal.
	weekOld := resultAt(0, wmBase.Add(-168*time.Hour), 0)
	assert.InDelta(t, 5.0, s.Score(weekOld, nil), 1e-9)

	// Two half-lives: a quarter.
	fortnightOld := resultAt(0, wmBase.Add(-336*time.Hour), 0)
	assert.InDelta(t, 2.5, s.Score(fortnightOld, nil), 1e-9)

	// Never accessed scores zero recency.
	assert.Zero(t, s.Score(resultAt(0, time.Time{}, 0), nil))
}

func TestRelevanceScorer_AccessSaturation(t *testing.T) {
	s := newTestScorer(config.RelevanceConfig{
		AccessWeight: 1.0, RecencyHalfLifeHours: 168,
	})

	assert.Zero(t, s.Score(resultAt(0, time.Time{}, 0), nil))

	ten := s.Score(resultAt(0, time.Time{}, 10), nil)
	expected := math.Log(11) / math.Log(101) * 10
	assert.InDelta(t, expected, ten, 1e-9)

	// At and beyond the saturation point the signal pins to 1.
	assert.InDelta(t, 10.0, s.Score(resultAt(0, time.Time{}, 100), nil), 1e-9)
	assert.InDelta(t, 10.0, s.Score(resultAt(0, time.Time{}, 100000), nil), 1e-9)
}

func TestRelevanceScorer_CompositeWithDefaults(t *testing.T) {
	s := newTestScorer(defaultRelevanceConfig())

	res := resultAt(0.9, wmBase.Add(-168*time.Hour), 10, "task:nav")
	score := s.Score(res, []string{"task:nav"})

	// 0.5*0.9 + 0.3*1.0 + 0.1*0.5 + 0.1*log(11)/log(101), times 10.
	expected := (0.5*0.9 + 0.3*1.0 + 0.1*0.5 + 0.1*math.Log(11)/math.Log(101)) * 10
	assert.InDelta(t, expected, score, 1e-9)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 10.0)
}

func TestRelevanceScorer_BoundedForExtremeInputs(t *testing.T) {
	s := newTestScorer(defaultRelevanceConfig())

	best := resultAt(5.0, wmBase, 1000000, "a", "b")
	assert.LessOrEqual(t, s.Score(best, []string{"a", "b"}), 10.0)

	worst := resultAt(-3.0, time.Time{}, 0)
	assert.GreaterOrEqual(t, s.Score(worst, nil), 0.0)
}

func TestRelevanceScorer_FutureLastAccessClamps(t *testing.T) {
	s := newTestScorer(config.RelevanceConfig{
		RecencyWeight: 1.0, RecencyHalfLifeHours: 168,
	})

	// Clock skew can put last_accessed slightly ahead of now.
	ahead := resultAt(0, wmBase.Add(time.Minute), 0)
	assert.InDelta(t, 10.0, s.Score(ahead, nil), 1e-9)
}
