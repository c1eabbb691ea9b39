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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/types"
)

const defaultPrefilterLimit = 100

// filterClauses builds the timeframe and metadata predicates shared by all
// search strategies, offset past the already-bound arguments.
func filterClauses(req storage.SearchRequest, column string, args []interface{}) (string, []interface{}, error) {
	var extra []string

	tf := timeframePredicate(column+".created_at", []types.Timeframe{req.Timeframe}, len(args))
	if tf.sql != "" {
		extra = append(extra, tf.sql)
		args = append(args, tf.args...)
	}

	md, err := metadataPredicate(column+".metadata", req.Metadata, len(args))
	if err != nil {
		return "", nil, err
	}
	if md.sql != "" {
		extra = append(extra, md.sql)
		args = append(args, md.args...)
	}

	if len(extra) == 0 {
		return "", args, nil
	}
	return " AND " + strings.Join(extra, " AND "), args, nil
}

func (s *Store) SearchVector(ctx context.Context, req storage.SearchRequest) ([]types.SearchResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.search_vector")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("limit", req.Limit)

	padded, err := sanitizeEmbedding(req.Embedding, s.maxIndexDims)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	args := []interface{}{pgvector.NewVector(padded)}
	filters, args, err := filterClauses(req, "n", args)
	if err != nil {
		return nil, err
	}
	args = append(args, searchLimit(req.Limit))

	query := fmt.Sprintf(`
		SELECT %s, 1 - (n.embedding <=> $1) AS similarity
		FROM nodes n
		WHERE n.deleted_at IS NULL AND n.embedding IS NOT NULL%s
		ORDER BY n.embedding <=> $1
		LIMIT $%d`,
		prefixedNodeColumns, filters, len(args),
	)

	results, err := s.querySearch(ctx, query, args, func(res *types.SearchResult, rows pgx.Rows) error {
		return scanSearchRow(rows, res, &res.Similarity)
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("search_vector", err)
	}
	return results, nil
}

func (s *Store) SearchFulltext(ctx context.Context, req storage.SearchRequest) ([]types.SearchResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.search_fulltext")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("limit", req.Limit)

	args := []interface{}{req.Query}
	filters, args, err := filterClauses(req, "n", args)
	if err != nil {
		return nil, err
	}
	args = append(args, searchLimit(req.Limit))

	query := fmt.Sprintf(`
		SELECT %s, ts_rank(n.content_tsv, plainto_tsquery('english', $1)) AS rank
		FROM nodes n
		WHERE n.deleted_at IS NULL
			AND n.content_tsv @@ plainto_tsquery('english', $1)%s
		ORDER BY rank DESC, n.id
		LIMIT $%d`,
		prefixedNodeColumns, filters, len(args),
	)

	results, err := s.querySearch(ctx, query, args, func(res *types.SearchResult, rows pgx.Rows) error {
		return scanSearchRow(rows, res, &res.Rank)
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("search_fulltext", err)
	}
	return results, nil
}

func (s *Store) SearchHybrid(ctx context.Context, req storage.SearchRequest) ([]types.SearchResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.search_hybrid")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("limit", req.Limit)

	padded, err := sanitizeEmbedding(req.Embedding, s.maxIndexDims)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	prefilter := req.PrefilterLimit
	if prefilter <= 0 {
		prefilter = defaultPrefilterLimit
	}
	span.SetAttribute("prefilter_limit", prefilter)

	args := []interface{}{req.Query, pgvector.NewVector(padded)}
	filters, args, err := filterClauses(req, "n", args)
	if err != nil {
		return nil, err
	}
	args = append(args, prefilter, searchLimit(req.Limit))

	// Full-text prefilter feeds an exact vector rerank; the candidate set
	// is small enough that no index is needed for the outer ordering.
	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT %s
			FROM nodes n
			WHERE n.deleted_at IS NULL
				AND n.content_tsv @@ plainto_tsquery('english', $1)%s
			ORDER BY ts_rank(n.content_tsv, plainto_tsquery('english', $1)) DESC
			LIMIT $%d
		)
		SELECT c.*, CASE WHEN c.embedding IS NULL THEN 0 ELSE 1 - (c.embedding <=> $2) END AS similarity
		FROM candidates c
		ORDER BY c.embedding <=> $2 NULLS LAST, c.id
		LIMIT $%d`,
		prefixedNodeColumns, filters, len(args)-1, len(args),
	)

	results, err := s.querySearch(ctx, query, args, func(res *types.SearchResult, rows pgx.Rows) error {
		return scanSearchRow(rows, res, &res.Similarity)
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("search_hybrid", err)
	}
	return results, nil
}

func (s *Store) SearchByTags(ctx context.Context, req storage.SearchRequest) ([]types.SearchResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.search_by_tags")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("tag_count", len(req.Tags))
	span.SetAttribute("match_all", req.MatchAll)

	if len(req.Tags) == 0 {
		return nil, types.NewInvalidInput("tag search requires at least one tag")
	}

	args := []interface{}{req.Tags}
	filters, args, err := filterClauses(req, "n", args)
	if err != nil {
		return nil, err
	}

	having := ""
	if req.MatchAll {
		args = append(args, len(req.Tags))
		having = fmt.Sprintf(" HAVING COUNT(DISTINCT t.tag) = $%d", len(args))
	}
	args = append(args, searchLimit(req.Limit))

	query := fmt.Sprintf(`
		SELECT %s, COUNT(DISTINCT t.tag)::float8 AS matched,
			(SELECT array_agg(tag ORDER BY tag) FROM node_tags WHERE node_id = n.id) AS tags
		FROM nodes n
		JOIN node_tags t ON t.node_id = n.id AND t.tag = ANY($1)
		WHERE n.deleted_at IS NULL%s
		GROUP BY n.id%s
		ORDER BY matched DESC, n.id
		LIMIT $%d`,
		prefixedNodeColumns, filters, having, len(args),
	)

	results, err := s.querySearch(ctx, query, args, func(res *types.SearchResult, rows pgx.Rows) error {
		return scanSearchRow(rows, res, &res.Rank, &res.Tags)
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("search_by_tags", err)
	}
	return results, nil
}

const prefixedNodeColumns = `n.id, n.content, n.content_hash, n.token_count, n.embedding, n.metadata,
	n.created_at, n.updated_at, n.last_accessed, n.access_count, n.deleted_at`

// scanSearchRow scans the node columns plus any strategy-specific extras
// (similarity, rank, tags) into the result.
func scanSearchRow(rows pgx.Rows, res *types.SearchResult, extras ...interface{}) error {
	var (
		embedding    *pgvector.Vector
		metadataJSON []byte
	)
	dest := []interface{}{
		&res.ID, &res.Content, &res.ContentHash, &res.TokenCount,
		&embedding, &metadataJSON,
		&res.CreatedAt, &res.UpdatedAt, &res.LastAccessed,
		&res.AccessCount, &res.DeletedAt,
	}
	dest = append(dest, extras...)
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	if embedding != nil {
		res.Embedding = embedding.Slice()
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &res.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal node metadata: %w", err)
		}
	}
	return nil
}

// querySearch runs a search query and scans each row with scanRow.
func (s *Store) querySearch(ctx context.Context, query string, args []interface{}, scanRow func(*types.SearchResult, pgx.Rows) error) ([]types.SearchResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var res types.SearchResult
		if err := scanRow(&res, rows); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func searchLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
