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
	"time"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/tags"
	"github.com/memoryfab/htm/pkg/types"
)

// accessSaturation is the access count at which the access signal
// saturates to 1.0.
const accessSaturation = 100

// RelevanceScorer combines four normalised signals into one score.
// Weights come from configuration and sum to 1.0 (config.Validate
// enforces the tolerance).
type RelevanceScorer struct {
	cfg config.RelevanceConfig
	now func() time.Time
}

// NewRelevanceScorer creates a scorer from the configured weights.
func NewRelevanceScorer(cfg config.RelevanceConfig) *RelevanceScorer {
	return &RelevanceScorer{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock for deterministic tests.
func (s *RelevanceScorer) SetClock(now func() time.Time) { s.now = now }

// Score computes the composite relevance for a result, rescaled to
// [0, 10]. queryTags may be empty, in which case the tag signal is 0.
func (s *RelevanceScorer) Score(res *types.SearchResult, queryTags []string) float64 {
	semantic := clamp01(res.Similarity)

	var tagSignal float64
	if len(queryTags) > 0 {
		tagSignal = tags.Jaccard(queryTags, res.Tags)
	}

	recency := s.recencySignal(res.LastAccessed)
	access := accessSignal(res.AccessCount)

	composite := s.cfg.SemanticWeight*semantic +
		s.cfg.TagWeight*tagSignal +
		s.cfg.RecencyWeight*recency +
		s.cfg.AccessWeight*access

	return clamp01(composite) * 10
}

// recencySignal decays exponentially with half-life
// cfg.RecencyHalfLifeHours over the time since last access.
func (s *RelevanceScorer) recencySignal(lastAccessed time.Time) float64 {
	if lastAccessed.IsZero() {
		return 0
	}
	ageHours := s.now().Sub(lastAccessed).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	halfLife := s.cfg.RecencyHalfLifeHours
	if halfLife <= 0 {
		halfLife = 168
	}
	return math.Exp2(-ageHours / halfLife)
}

// accessSignal saturates logarithmically: 0 accesses scores 0,
// accessSaturation or more scores 1.
func accessSignal(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	sig := math.Log(1+float64(accessCount)) / math.Log(1+float64(accessSaturation))
	return clamp01(sig)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
