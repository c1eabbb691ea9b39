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
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/jobs"
	"github.com/memoryfab/htm/pkg/llm"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/resilience"
	"github.com/memoryfab/htm/pkg/storage/postgres"
)

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay-enrichment",
	Short: "Re-run enrichment for nodes missing embeddings or tags",
	Long:  `Scans for nodes without an embedding or without tags, typically left behind by provider outages, and runs the enrichment jobs inline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tracer := observability.NewNoOpTracer()

		pool, err := postgres.NewPool(ctx, cfg.Database, tracer)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := postgres.NewStore(pool, cfg, tracer)

		breakers := resilience.NewRegistry(breakerConfig(cfg))
		factory := jobs.NewFactory(store, nil, newEmbedder(cfg), newTagExtractor(cfg), breakers, tracer)

		enqueued, err := factory.ReplayPending(ctx, jobs.NewInlineBackend(), replayLimit)
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d enrichment jobs\n", enqueued)
		return nil
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "maximum nodes to replay per kind")
	rootCmd.AddCommand(replayCmd)
}

func breakerConfig(cfg *config.Config) resilience.Config {
	return resilience.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout(),
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}
}

func newEmbedder(cfg *config.Config) llm.Embedder {
	return llm.NewOpenAIEmbedder(llm.OpenAIEmbedderConfig{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Endpoint:   cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    time.Duration(cfg.Embedding.TimeoutMS) * time.Millisecond,
	})
}

func newTagExtractor(cfg *config.Config) llm.TagExtractor {
	if cfg.Tag.APIKey == "" {
		return nil
	}
	return llm.NewAnthropicTagExtractor(llm.AnthropicTagExtractorConfig{
		APIKey:   cfg.Tag.APIKey,
		Model:    cfg.Tag.Model,
		Timeout:  time.Duration(cfg.Tag.TimeoutMS) * time.Millisecond,
		MaxDepth: cfg.Tag.MaxDepth,
	})
}
