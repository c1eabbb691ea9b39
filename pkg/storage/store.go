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

// Package storage defines the persistence contract for long-term memory
// and a query cache shared by all Store implementations. The Postgres
// implementation lives in the postgres subpackage; an in-memory
// implementation backs tests.
package storage

import (
	"context"
	"time"

	"github.com/memoryfab/htm/pkg/types"
)

// SearchStrategy selects how a search ranks candidates.
type SearchStrategy string

const (
	StrategyVector    SearchStrategy = "vector"
	StrategyFulltext  SearchStrategy = "fulltext"
	StrategyHybrid    SearchStrategy = "hybrid"
	StrategyRelevance SearchStrategy = "relevance"
	StrategyTags      SearchStrategy = "tags"
)

// SearchRequest carries the parameters common to all search strategies.
// Only non-deleted nodes are candidates.
type SearchRequest struct {
	Strategy SearchStrategy

	// Query is the cleaned query text (temporal phrases removed).
	Query string

	// Embedding is the query vector for vector and hybrid searches.
	Embedding []float32

	// Timeframe scopes candidates by creation time. Zero means unfiltered.
	Timeframe types.Timeframe

	// Tags with MatchAll drive tag search; ANY-of semantics by default.
	Tags     []string
	MatchAll bool

	// Limit caps the result count.
	Limit int

	// PrefilterLimit caps the full-text candidate set for hybrid search.
	PrefilterLimit int

	// Metadata filters by JSON containment when non-empty.
	Metadata map[string]interface{}
}

// AddResult reports the outcome of an AddNode call.
type AddResult struct {
	Node *types.Node

	// IsNew is false when the content hash matched an existing live node.
	IsNew bool

	// Edge is the robot-node edge created or refreshed by the call.
	Edge *types.Edge
}

// Stats summarises store contents for the status surface.
type Stats struct {
	NodeCount        int64 `json:"node_count"`
	DeletedNodeCount int64 `json:"deleted_node_count"`
	RobotCount       int64 `json:"robot_count"`
	TagCount         int64 `json:"tag_count"`
	EdgeCount        int64 `json:"edge_count"`
	MissingEmbedding int64 `json:"missing_embedding"`
}

// Store is the long-term memory persistence contract. Implementations are
// safe for concurrent use; multi-statement writes are transactional.
//
// Every method honours context cancellation. Implementations map statement
// deadline overruns to types.ErrQueryTimeout and missing rows to
// types.ErrNotFound.
type Store interface {
	// AddNode deduplicates on content hash. When a live node with the same
	// hash exists it touches last_accessed and creates or increments the
	// robot edge; otherwise it inserts the node. The edge starts with
	// in_working_memory lowered; callers raise the flag once the node is
	// actually held. Atomic.
	AddNode(ctx context.Context, node *types.Node, robotID types.RobotID) (*AddResult, error)

	// GetNode returns a node by id. Soft-deleted nodes are ErrNotFound
	// unless includeDeleted is set.
	GetNode(ctx context.Context, id types.NodeID, includeDeleted bool) (*types.Node, error)

	// GetNodeByHash returns the live node with the given content hash.
	GetNodeByHash(ctx context.Context, hash string) (*types.Node, error)

	// TouchNode increments access_count and refreshes last_accessed.
	TouchNode(ctx context.Context, id types.NodeID) error

	// NodeExists reports whether a live node with the id exists.
	NodeExists(ctx context.Context, id types.NodeID) (bool, error)

	// SoftDeleteNode sets deleted_at. Idempotent for already-deleted nodes.
	SoftDeleteNode(ctx context.Context, id types.NodeID) error

	// HardDeleteNode removes the node, cascading tags and edges. Operation
	// log rows survive with their node reference nulled.
	HardDeleteNode(ctx context.Context, id types.NodeID) error

	// RestoreNode clears deleted_at.
	RestoreNode(ctx context.Context, id types.NodeID) error

	// UpdateNodeEmbedding persists the embedding vector. Upsert semantics;
	// replaying the same job is harmless.
	UpdateNodeEmbedding(ctx context.Context, id types.NodeID, embedding []float32) error

	// AddNodeTags attaches tags to the node, ignoring duplicates.
	AddNodeTags(ctx context.Context, id types.NodeID, tags []string) error

	// GetNodeTags returns the node's tags sorted ascending.
	GetNodeTags(ctx context.Context, id types.NodeID) ([]string, error)

	// BatchLoadNodeTags loads tags for many nodes in one round trip.
	BatchLoadNodeTags(ctx context.Context, ids []types.NodeID) (map[types.NodeID][]string, error)

	// SampleTags returns up to limit distinct tag names, most used first.
	SampleTags(ctx context.Context, limit int) ([]string, error)

	// DistinctTags returns every distinct tag name.
	DistinctTags(ctx context.Context) ([]string, error)

	// RegisterRobot is idempotent on name and returns the robot id.
	RegisterRobot(ctx context.Context, name string) (types.RobotID, error)

	// LinkRobotToNode upserts the edge, incrementing remember_count.
	LinkRobotToNode(ctx context.Context, robotID types.RobotID, nodeID types.NodeID, inWorkingMemory bool) (*types.Edge, error)

	// SetWorkingMemoryFlag flips in_working_memory on the given edges.
	SetWorkingMemoryFlag(ctx context.Context, robotID types.RobotID, nodeIDs []types.NodeID, inWorkingMemory bool) error

	// ClearWorkingMemoryFlags drops the flag on every edge of the robots.
	ClearWorkingMemoryFlags(ctx context.Context, robotIDs []types.RobotID) error

	// WorkingMemoryNodes returns the live nodes flagged as in the robot's
	// working memory, oldest remembered first.
	WorkingMemoryNodes(ctx context.Context, robotID types.RobotID) ([]*types.Node, error)

	// TrackAccess bulk-increments access_count and last_accessed.
	TrackAccess(ctx context.Context, ids []types.NodeID) error

	// SearchVector ranks by cosine similarity of req.Embedding.
	SearchVector(ctx context.Context, req SearchRequest) ([]types.SearchResult, error)

	// SearchFulltext ranks by English full-text relevance of req.Query.
	SearchFulltext(ctx context.Context, req SearchRequest) ([]types.SearchResult, error)

	// SearchHybrid prefilters by full text then reranks by vector distance.
	SearchHybrid(ctx context.Context, req SearchRequest) ([]types.SearchResult, error)

	// SearchByTags matches req.Tags (ANY-of, or all when req.MatchAll).
	SearchByTags(ctx context.Context, req SearchRequest) ([]types.SearchResult, error)

	// LogOperation appends a row to the operation log.
	LogOperation(ctx context.Context, rec *types.OperationRecord) error

	// RecentOperations returns the newest log rows, newest first.
	RecentOperations(ctx context.Context, limit int) ([]types.OperationRecord, error)

	// NodesMissingEmbedding lists live node ids without an embedding.
	NodesMissingEmbedding(ctx context.Context, limit int) ([]types.NodeID, error)

	// NodesMissingTags lists live node ids with zero tags.
	NodesMissingTags(ctx context.Context, limit int) ([]types.NodeID, error)

	// Stats summarises store contents.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the underlying connections.
	Close()
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
