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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/memoryfab/htm/pkg/config"
	"github.com/memoryfab/htm/pkg/observability"
	"github.com/memoryfab/htm/pkg/storage"
	"github.com/memoryfab/htm/pkg/types"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool         *pgxpool.Pool
	tracer       observability.Tracer
	queryTimeout time.Duration
	maxIndexDims int
}

// NewStore creates a PostgreSQL-backed store. The pool must have been
// created with NewPool so the pgvector codec is registered.
func NewStore(pool *pgxpool.Pool, cfg *config.Config, tracer observability.Tracer) *Store {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Store{
		pool:         pool,
		tracer:       tracer,
		queryTimeout: cfg.Database.QueryTimeout(),
		maxIndexDims: cfg.Embedding.MaxIndexDimensions,
	}
}

// Pool exposes the underlying pool for the channel and the migrator.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const nodeColumns = `id, content, content_hash, token_count, embedding, metadata,
	created_at, updated_at, last_accessed, access_count, deleted_at`

// withTimeout applies the per-statement deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// mapErr translates driver errors into the engine's error taxonomy.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, types.ErrQueryTimeout)
	case errors.Is(err, pgx.ErrNoRows):
		return types.ErrNotFound
	default:
		return types.NewDatabaseError(op, err)
	}
}

// execInTx runs fn inside a transaction, committing on success.
func execInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for the node scan helper.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var (
		node         types.Node
		embedding    *pgvector.Vector
		metadataJSON []byte
	)
	err := row.Scan(
		&node.ID, &node.Content, &node.ContentHash, &node.TokenCount,
		&embedding, &metadataJSON,
		&node.CreatedAt, &node.UpdatedAt, &node.LastAccessed,
		&node.AccessCount, &node.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		node.Embedding = embedding.Slice()
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node metadata: %w", err)
		}
	}
	return &node, nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func nodeIDs64(ids []types.NodeID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func (s *Store) AddNode(ctx context.Context, node *types.Node, robotID types.RobotID) (*storage.AddResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.add_node")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("robot_id", int64(robotID))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var result storage.AddResult
	err := execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		// Lock the live duplicate, if any, so two concurrent adds of the
		// same content serialise instead of both inserting.
		row := tx.QueryRow(ctx, `
			SELECT `+nodeColumns+`
			FROM nodes
			WHERE content_hash = $1 AND deleted_at IS NULL
			FOR UPDATE`,
			node.ContentHash,
		)
		existing, err := scanNode(row)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				UPDATE nodes
				SET last_accessed = NOW(), access_count = access_count + 1, updated_at = NOW()
				WHERE id = $1`,
				int64(existing.ID),
			); err != nil {
				return err
			}
			existing.AccessCount++
			result.Node = existing
			result.IsNew = false
		case errors.Is(err, pgx.ErrNoRows):
			metadataJSON, err := marshalMetadata(node.Metadata)
			if err != nil {
				return err
			}
			var embedding *pgvector.Vector
			if len(node.Embedding) > 0 {
				padded, err := sanitizeEmbedding(node.Embedding, s.maxIndexDims)
				if err != nil {
					return err
				}
				v := pgvector.NewVector(padded)
				embedding = &v
			}
			row := tx.QueryRow(ctx, `
				INSERT INTO nodes (content, content_hash, token_count, embedding, metadata)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING `+nodeColumns,
				node.Content, node.ContentHash, node.TokenCount, embedding, metadataJSON,
			)
			inserted, err := scanNode(row)
			if err != nil {
				return err
			}
			result.Node = inserted
			result.IsNew = true
		default:
			return err
		}

		// The edge starts outside working memory; the orchestrator raises
		// the flag once the node actually lands there.
		edge, err := upsertEdge(ctx, tx, robotID, result.Node.ID, false)
		if err != nil {
			return err
		}
		result.Edge = edge
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("add_node", err)
	}

	span.SetAttribute("node_id", int64(result.Node.ID))
	span.SetAttribute("is_new", result.IsNew)
	return &result, nil
}

// upsertEdge creates or refreshes the robot-node edge inside tx.
func upsertEdge(ctx context.Context, tx pgx.Tx, robotID types.RobotID, nodeID types.NodeID, inWM bool) (*types.Edge, error) {
	edge := &types.Edge{RobotID: robotID, NodeID: nodeID}
	err := tx.QueryRow(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, in_working_memory)
		VALUES ($1, $2, NOW(), NOW(), 1, $3)
		ON CONFLICT (robot_id, node_id) DO UPDATE SET
			last_remembered_at = NOW(),
			remember_count = robot_nodes.remember_count + 1,
			in_working_memory = EXCLUDED.in_working_memory
		RETURNING first_remembered_at, last_remembered_at, remember_count, in_working_memory`,
		int64(robotID), int64(nodeID), inWM,
	).Scan(&edge.FirstRememberedAt, &edge.LastRememberedAt, &edge.RememberCount, &edge.InWorkingMemory)
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (s *Store) GetNode(ctx context.Context, id types.NodeID, includeDeleted bool) (*types.Node, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.get_node")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	node, err := scanNode(s.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		span.RecordError(err)
		return nil, mapErr("get_node", err)
	}
	return node, nil
}

func (s *Store) GetNodeByHash(ctx context.Context, hash string) (*types.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	node, err := scanNode(s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE content_hash = $1 AND deleted_at IS NULL`,
		hash,
	))
	if err != nil {
		return nil, mapErr("get_node_by_hash", err)
	}
	return node, nil
}

func (s *Store) TouchNode(ctx context.Context, id types.NodeID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1`,
		int64(id),
	)
	if err != nil {
		return mapErr("touch_node", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) NodeExists(ctx context.Context, id types.NodeID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1 AND deleted_at IS NULL)`,
		int64(id),
	).Scan(&exists)
	if err != nil {
		return false, mapErr("node_exists", err)
	}
	return exists, nil
}

func (s *Store) SoftDeleteNode(ctx context.Context, id types.NodeID) error {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.soft_delete_node")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET deleted_at = COALESCE(deleted_at, NOW()), updated_at = NOW()
		WHERE id = $1`,
		int64(id),
	)
	if err != nil {
		span.RecordError(err)
		return mapErr("soft_delete_node", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) HardDeleteNode(ctx context.Context, id types.NodeID) error {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.hard_delete_node")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Tags and edges cascade via foreign keys; operation log rows keep
	// their row with node_id nulled (ON DELETE SET NULL).
	err := execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, int64(id))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return mapErr("hard_delete_node", err)
	}
	return nil
}

func (s *Store) RestoreNode(ctx context.Context, id types.NodeID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET deleted_at = NULL, updated_at = NOW() WHERE id = $1`,
		int64(id),
	)
	if err != nil {
		return mapErr("restore_node", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateNodeEmbedding(ctx context.Context, id types.NodeID, embedding []float32) error {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.update_node_embedding")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))

	padded, err := sanitizeEmbedding(embedding, s.maxIndexDims)
	if err != nil {
		span.RecordError(err)
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET embedding = $2, updated_at = NOW() WHERE id = $1`,
		int64(id), pgvector.NewVector(padded),
	)
	if err != nil {
		span.RecordError(err)
		return mapErr("update_node_embedding", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) AddNodeTags(ctx context.Context, id types.NodeID, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	ctx, span := s.tracer.StartSpan(ctx, "pg_store.add_node_tags")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_id", int64(id))
	span.SetAttribute("tag_count", len(tags))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, tag := range tags {
			if _, err := tx.Exec(ctx, `
				INSERT INTO node_tags (node_id, tag)
				VALUES ($1, $2)
				ON CONFLICT (node_id, tag) DO NOTHING`,
				int64(id), tag,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return mapErr("add_node_tags", err)
	}
	return nil
}

func (s *Store) GetNodeTags(ctx context.Context, id types.NodeID) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT tag FROM node_tags WHERE node_id = $1 ORDER BY tag`,
		int64(id),
	)
	if err != nil {
		return nil, mapErr("get_node_tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, mapErr("get_node_tags", err)
		}
		tags = append(tags, tag)
	}
	return tags, mapErr("get_node_tags", rows.Err())
}

func (s *Store) BatchLoadNodeTags(ctx context.Context, ids []types.NodeID) (map[types.NodeID][]string, error) {
	if len(ids) == 0 {
		return map[types.NodeID][]string{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT node_id, tag FROM node_tags
		WHERE node_id = ANY($1)
		ORDER BY node_id, tag`,
		nodeIDs64(ids),
	)
	if err != nil {
		return nil, mapErr("batch_load_node_tags", err)
	}
	defer rows.Close()

	out := make(map[types.NodeID][]string, len(ids))
	for rows.Next() {
		var (
			nodeID int64
			tag    string
		)
		if err := rows.Scan(&nodeID, &tag); err != nil {
			return nil, mapErr("batch_load_node_tags", err)
		}
		out[types.NodeID(nodeID)] = append(out[types.NodeID(nodeID)], tag)
	}
	return out, mapErr("batch_load_node_tags", rows.Err())
}

func (s *Store) SampleTags(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT tag FROM node_tags
		GROUP BY tag
		ORDER BY COUNT(*) DESC, tag`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("sample_tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, mapErr("sample_tags", err)
		}
		tags = append(tags, tag)
	}
	return tags, mapErr("sample_tags", rows.Err())
}

func (s *Store) DistinctTags(ctx context.Context) ([]string, error) {
	return s.SampleTags(ctx, 0)
}

func (s *Store) RegisterRobot(ctx context.Context, name string) (types.RobotID, error) {
	ctx, span := s.tracer.StartSpan(ctx, "pg_store.register_robot")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("robot_name", name)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The no-op update makes RETURNING fire on conflicts too.
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO robots (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET last_active = NOW()
		RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return 0, mapErr("register_robot", err)
	}
	return types.RobotID(id), nil
}

func (s *Store) LinkRobotToNode(ctx context.Context, robotID types.RobotID, nodeID types.NodeID, inWorkingMemory bool) (*types.Edge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var edge *types.Edge
	err := execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		edge, err = upsertEdge(ctx, tx, robotID, nodeID, inWorkingMemory)
		return err
	})
	if err != nil {
		return nil, mapErr("link_robot_to_node", err)
	}
	return edge, nil
}

func (s *Store) SetWorkingMemoryFlag(ctx context.Context, robotID types.RobotID, nodeIDs []types.NodeID, inWorkingMemory bool) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE robot_nodes
		SET in_working_memory = $3
		WHERE robot_id = $1 AND node_id = ANY($2)`,
		int64(robotID), nodeIDs64(nodeIDs), inWorkingMemory,
	)
	return mapErr("set_working_memory_flag", err)
}

func (s *Store) ClearWorkingMemoryFlags(ctx context.Context, robotIDs []types.RobotID) error {
	if len(robotIDs) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids := make([]int64, len(robotIDs))
	for i, id := range robotIDs {
		ids[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE robot_nodes SET in_working_memory = FALSE
		WHERE robot_id = ANY($1) AND in_working_memory`,
		ids,
	)
	return mapErr("clear_working_memory_flags", err)
}

func (s *Store) WorkingMemoryNodes(ctx context.Context, robotID types.RobotID) ([]*types.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.content, n.content_hash, n.token_count, n.embedding, n.metadata,
			n.created_at, n.updated_at, n.last_accessed, n.access_count, n.deleted_at
		FROM nodes n
		JOIN robot_nodes rn ON rn.node_id = n.id
		WHERE rn.robot_id = $1 AND rn.in_working_memory AND n.deleted_at IS NULL
		ORDER BY rn.first_remembered_at, n.id`,
		int64(robotID),
	)
	if err != nil {
		return nil, mapErr("working_memory_nodes", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, mapErr("working_memory_nodes", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, mapErr("working_memory_nodes", rows.Err())
}

func (s *Store) TrackAccess(ctx context.Context, ids []types.NodeID) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, span := s.tracer.StartSpan(ctx, "pg_store.track_access")
	defer s.tracer.EndSpan(span)
	span.SetAttribute("node_count", len(ids))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = ANY($1)`,
		nodeIDs64(ids),
	)
	if err != nil {
		span.RecordError(err)
		return mapErr("track_access", err)
	}
	return nil
}

func (s *Store) LogOperation(ctx context.Context, rec *types.OperationRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	detailsJSON, err := marshalMetadata(rec.Details)
	if err != nil {
		return mapErr("log_operation", err)
	}

	var nodeID, robotID interface{}
	if rec.NodeID != nil {
		nodeID = int64(*rec.NodeID)
	}
	if rec.RobotID != nil {
		robotID = int64(*rec.RobotID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO operations_log (operation, node_id, robot_id, details)
		VALUES ($1, $2, $3, $4)`,
		string(rec.Operation), nodeID, robotID, detailsJSON,
	)
	return mapErr("log_operation", err)
}

func (s *Store) RecentOperations(ctx context.Context, limit int) ([]types.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, operation, node_id, robot_id, details
		FROM operations_log
		ORDER BY id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, mapErr("recent_operations", err)
	}
	defer rows.Close()

	var records []types.OperationRecord
	for rows.Next() {
		var (
			rec         types.OperationRecord
			op          string
			nodeID      *int64
			robotID     *int64
			detailsJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &op, &nodeID, &robotID, &detailsJSON); err != nil {
			return nil, mapErr("recent_operations", err)
		}
		rec.Operation = types.Operation(op)
		if nodeID != nil {
			id := types.NodeID(*nodeID)
			rec.NodeID = &id
		}
		if robotID != nil {
			id := types.RobotID(*robotID)
			rec.RobotID = &id
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
				return nil, mapErr("recent_operations", err)
			}
		}
		records = append(records, rec)
	}
	return records, mapErr("recent_operations", rows.Err())
}

func (s *Store) NodesMissingEmbedding(ctx context.Context, limit int) ([]types.NodeID, error) {
	return s.idQuery(ctx, "nodes_missing_embedding", `
		SELECT id FROM nodes
		WHERE deleted_at IS NULL AND embedding IS NULL
		ORDER BY id
		LIMIT $1`, limit)
}

func (s *Store) NodesMissingTags(ctx context.Context, limit int) ([]types.NodeID, error) {
	return s.idQuery(ctx, "nodes_missing_tags", `
		SELECT n.id FROM nodes n
		LEFT JOIN node_tags t ON t.node_id = n.id
		WHERE n.deleted_at IS NULL AND t.node_id IS NULL
		ORDER BY n.id
		LIMIT $1`, limit)
}

func (s *Store) idQuery(ctx context.Context, op, query string, limit int) ([]types.NodeID, error) {
	if limit <= 0 {
		limit = 1000
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var ids []types.NodeID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(op, err)
		}
		ids = append(ids, types.NodeID(id))
	}
	return ids, mapErr(op, rows.Err())
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stats storage.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NOT NULL),
			(SELECT COUNT(*) FROM robots),
			(SELECT COUNT(DISTINCT tag) FROM node_tags),
			(SELECT COUNT(*) FROM robot_nodes),
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NULL)`,
	).Scan(
		&stats.NodeCount, &stats.DeletedNodeCount, &stats.RobotCount,
		&stats.TagCount, &stats.EdgeCount, &stats.MissingEmbedding,
	)
	if err != nil {
		return nil, mapErr("stats", err)
	}
	return &stats, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

var _ storage.Store = (*Store)(nil)
