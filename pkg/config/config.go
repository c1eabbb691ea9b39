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

// Package config loads HTM configuration.
//
// Priority, lowest to highest: built-in defaults, per-user file
// (~/.htm/htm.yaml), per-project file (./htm.yaml), local override
// (./htm.local.yaml), environment variables (HTM_*), programmatic overrides.
// One Config value is passed explicitly into every constructor; the
// process-wide Default() holder exists only for the CLI edge.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// JobBackendKind selects how enrichment jobs are dispatched.
type JobBackendKind string

const (
	JobBackendInline   JobBackendKind = "inline"
	JobBackendThread   JobBackendKind = "thread"
	JobBackendExternal JobBackendKind = "external"
)

// Config holds all configuration for the HTM memory engine.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Embedding      EmbeddingConfig      `mapstructure:"embedding"`
	Tag            TagConfig            `mapstructure:"tag"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Relevance      RelevanceConfig      `mapstructure:"relevance"`
	WorkingMemory  WorkingMemoryConfig  `mapstructure:"working_memory"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Job            JobConfig            `mapstructure:"job"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// URL takes precedence over the individual fields when set.
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PoolSize       int    `mapstructure:"pool_size"`
	QueryTimeoutMS int    `mapstructure:"query_timeout_ms"`
}

// QueryTimeout returns the per-statement deadline.
func (d DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutMS) * time.Millisecond
}

// EmbeddingConfig holds the embedding callable settings.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`

	// MaxIndexDimensions is the store's maximum indexed dimension;
	// embeddings are right-padded with zeros to this length.
	MaxIndexDimensions int `mapstructure:"max_index_dimensions"`
}

// TagConfig holds the tag extractor callable settings.
type TagConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	MaxDepth  int    `mapstructure:"max_depth"`
	APIKey    string `mapstructure:"api_key"`
}

// CircuitBreakerConfig holds breaker thresholds shared by all services.
type CircuitBreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutS    int `mapstructure:"reset_timeout_s"`
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
}

// ResetTimeout returns the open-state wait as a duration.
func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutS) * time.Second
}

// RelevanceConfig holds composite scorer weights. The four weights must
// sum to 1.0 within 1e-9; Validate enforces this at load.
type RelevanceConfig struct {
	SemanticWeight       float64 `mapstructure:"semantic_weight"`
	TagWeight            float64 `mapstructure:"tag_weight"`
	RecencyWeight        float64 `mapstructure:"recency_weight"`
	AccessWeight         float64 `mapstructure:"access_weight"`
	RecencyHalfLifeHours float64 `mapstructure:"recency_half_life_hours"`
}

// WorkingMemoryConfig bounds the per-agent hot cache.
type WorkingMemoryConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// CacheConfig bounds the LTM query cache.
type CacheConfig struct {
	Size int `mapstructure:"size"`
	TTLS int `mapstructure:"ttl_s"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLS) * time.Second
}

// JobConfig selects the enrichment job backend.
type JobConfig struct {
	Backend JobBackendKind `mapstructure:"backend"`

	// Workers bounds the thread backend's pool.
	Workers int `mapstructure:"workers"`

	// QueueSize bounds the thread backend's pending queue.
	QueueSize int `mapstructure:"queue_size"`
}

// TelemetryConfig toggles tracing/metric export.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const weightTolerance = 1e-9

// Validate checks cross-field invariants. Called by Load; callers that
// build a Config programmatically should call it themselves.
func (c *Config) Validate() error {
	sum := c.Relevance.SemanticWeight + c.Relevance.TagWeight +
		c.Relevance.RecencyWeight + c.Relevance.AccessWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("relevance weights must sum to 1.0, got %v", sum)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.MaxIndexDimensions < c.Embedding.Dimensions {
		return fmt.Errorf("embedding.max_index_dimensions (%d) must be >= embedding.dimensions (%d)",
			c.Embedding.MaxIndexDimensions, c.Embedding.Dimensions)
	}
	if c.WorkingMemory.MaxTokens <= 0 {
		return fmt.Errorf("working_memory.max_tokens must be positive, got %d", c.WorkingMemory.MaxTokens)
	}
	if c.Tag.MaxDepth < 1 || c.Tag.MaxDepth > 4 {
		return fmt.Errorf("tag.max_depth must be in [1,4], got %d", c.Tag.MaxDepth)
	}
	switch c.Job.Backend {
	case JobBackendInline, JobBackendThread, JobBackendExternal:
	default:
		return fmt.Errorf("job.backend must be inline, thread, or external, got %q", c.Job.Backend)
	}
	return nil
}

// Override mutates the config programmatically after load.
type Override func(*Config)

// Load builds a Config from defaults, config files, environment variables,
// and programmatic overrides, in increasing precedence.
func Load(overrides ...Override) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Per-user file
	if home, err := os.UserHomeDir(); err == nil {
		mergeFileIfPresent(v, filepath.Join(home, ".htm", "htm.yaml"))
	}
	// Per-project file, then local override
	mergeFileIfPresent(v, "htm.yaml")
	mergeFileIfPresent(v, "htm.local.yaml")

	v.SetEnvPrefix("HTM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, o := range overrides {
		o(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeFileIfPresent merges a YAML config file into v when it exists.
// Missing files are not an error; unreadable files are.
func mergeFileIfPresent(v *viper.Viper, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	v.SetConfigFile(path)
	_ = v.MergeInConfig()
}

// setDefaults registers built-in defaults on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "htm")
	v.SetDefault("database.user", "htm")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.query_timeout_ms", 30000)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.max_index_dimensions", 2000)
	v.SetDefault("embedding.timeout_ms", 15000)

	v.SetDefault("tag.provider", "anthropic")
	v.SetDefault("tag.model", "claude-3-5-haiku-latest")
	v.SetDefault("tag.timeout_ms", 15000)
	v.SetDefault("tag.max_depth", 4)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout_s", 60)
	v.SetDefault("circuit_breaker.half_open_max_calls", 3)

	v.SetDefault("relevance.semantic_weight", 0.5)
	v.SetDefault("relevance.tag_weight", 0.3)
	v.SetDefault("relevance.recency_weight", 0.1)
	v.SetDefault("relevance.access_weight", 0.1)
	v.SetDefault("relevance.recency_half_life_hours", 168.0)

	v.SetDefault("working_memory.max_tokens", 4096)

	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl_s", 300)

	v.SetDefault("job.backend", "thread")
	v.SetDefault("job.workers", 4)
	v.SetDefault("job.queue_size", 256)

	v.SetDefault("telemetry.enabled", false)
}

var (
	defaultConfig *Config
	defaultOnce   sync.Once
)

// Default returns the process-wide configuration, loading it on first use.
// Library code should take a *Config parameter instead; this holder exists
// for the CLI edge only.
func Default() *Config {
	defaultOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			// Fall back to pure defaults so the process can still start;
			// the validation error surfaces again on explicit Load.
			cfg = Defaults()
		}
		defaultConfig = cfg
	})
	return defaultConfig
}

// Defaults returns the built-in defaults without touching files or env.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
