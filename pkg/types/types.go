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

// Package types defines the value types shared across the HTM memory engine:
// nodes, robots, robot-node edges, search results, timeframes, and the
// operation audit log.
package types

import (
	"time"
)

// NodeID is the durable identifier of a remembered node.
type NodeID int64

// RobotID is the durable identifier of an agent identity.
type RobotID int64

// Node is a single piece of remembered content in long-term memory.
type Node struct {
	// ID is the monotonic durable identifier.
	ID NodeID

	// Content is the remembered text. Never empty for a persisted node.
	Content string

	// ContentHash is the hex-encoded SHA-256 of the canonicalised content.
	// Unique across all non-deleted nodes.
	ContentHash string

	// TokenCount is the token count computed at insertion time.
	TokenCount int

	// Embedding is the dense vector for semantic search, or nil while
	// enrichment is pending.
	Embedding []float32

	// Metadata holds caller-supplied key/value annotations.
	Metadata map[string]interface{}

	// CreatedAt is when the node was first remembered (UTC).
	CreatedAt time.Time

	// UpdatedAt is when the node row was last written (UTC).
	UpdatedAt time.Time

	// LastAccessed is bumped by retrieval and access tracking (UTC).
	LastAccessed time.Time

	// AccessCount is a monotonic counter of retrievals.
	AccessCount int

	// DeletedAt marks a soft delete when non-nil. Soft-deleted nodes are
	// excluded from search and retrieval unless explicitly requested.
	DeletedAt *time.Time
}

// IsDeleted reports whether the node is soft-deleted.
func (n *Node) IsDeleted() bool {
	return n.DeletedAt != nil
}

// Robot is an agent identity under which memories are remembered.
type Robot struct {
	ID         RobotID
	Name       string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
	LastActive time.Time
}

// Edge is the robot-node relationship with per-edge statistics.
// There is at most one edge per (robot, node) pair.
type Edge struct {
	RobotID RobotID
	NodeID  NodeID

	// FirstRememberedAt is when this robot first remembered the node.
	FirstRememberedAt time.Time

	// LastRememberedAt is refreshed on every duplicate remember.
	LastRememberedAt time.Time

	// RememberCount is the number of remember calls for this pair, >= 1.
	RememberCount int

	// InWorkingMemory is true iff the node is currently in this robot's
	// working memory. The database flag is the source of truth for group
	// reconciliation.
	InWorkingMemory bool
}

// Timeframe is a closed time interval used to scope searches.
// The zero value means "no temporal filter".
type Timeframe struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the timeframe carries no bounds.
func (t Timeframe) IsZero() bool {
	return t.Start.IsZero() && t.End.IsZero()
}

// Contains reports whether ts falls inside the closed interval.
func (t Timeframe) Contains(ts time.Time) bool {
	if t.IsZero() {
		return true
	}
	if !t.Start.IsZero() && ts.Before(t.Start) {
		return false
	}
	if !t.End.IsZero() && ts.After(t.End) {
		return false
	}
	return true
}

// SearchResult is a node returned from a search, annotated with the
// signals the retrieval engine computed for it.
type SearchResult struct {
	Node

	// Similarity is 1 - cosine distance for vector-backed searches,
	// 0 when the search had no semantic signal.
	Similarity float64

	// Rank is the full-text ranking score, 0 for non-lexical searches.
	Rank float64

	// Tags are the node's hierarchical tags, loaded in batch.
	Tags []string

	// Relevance is the composite score in [0, 10], set only by
	// relevance-scored searches.
	Relevance float64
}

// Operation names an audited memory operation.
type Operation string

const (
	OpAdd      Operation = "add"
	OpRetrieve Operation = "retrieve"
	OpRecall   Operation = "recall"
	OpForget   Operation = "forget"
	OpRestore  Operation = "restore"
	OpEvict    Operation = "evict"
)

// OperationRecord is one immutable row of the append-only audit log.
// NodeID is nil for rows whose node was hard-deleted.
type OperationRecord struct {
	ID        int64
	Timestamp time.Time
	Operation Operation
	NodeID    *NodeID
	RobotID   *RobotID
	Details   map[string]interface{}
}

// ChannelEvent names a pub/sub event on the group channel.
type ChannelEvent string

const (
	EventAdded   ChannelEvent = "added"
	EventEvicted ChannelEvent = "evicted"
	EventCleared ChannelEvent = "cleared"
)

// Notification is the wire payload published on the group channel.
type Notification struct {
	Event   ChannelEvent `json:"event"`
	NodeID  *NodeID      `json:"node_id"`
	RobotID RobotID      `json:"robot_id"`
	TS      time.Time    `json:"ts"`
}
