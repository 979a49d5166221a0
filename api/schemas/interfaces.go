package schemas

import (
	"context"
	"time"
)

// -- Graph Store --

// GraphStore defines the standard interface for all interactions with the
// knowledge graph repository, abstracting the backing storage (in-memory,
// PostgreSQL, Neo4j).
//
// Implementations must be safe for concurrent use. DeleteNode cascades to
// every edge incident to the node; no dangling edge references may survive
// any operation.
type GraphStore interface {
	// GetNode retrieves a node by its unique ID.
	GetNode(ctx context.Context, id string) (Node, error)
	// ListNodes returns nodes matching the filter, ordered by updated_at
	// descending (id ascending tiebreak), honoring pagination.
	ListNodes(ctx context.Context, filter NodeFilter) ([]Node, error)
	// CountNodes returns the number of nodes matching the filter, ignoring
	// pagination.
	CountNodes(ctx context.Context, filter NodeFilter) (int, error)
	// CreateNode validates the draft and persists a new node.
	CreateNode(ctx context.Context, draft NodeDraft) (Node, error)
	// UpdateNode applies a partial update. The node's type is immutable.
	UpdateNode(ctx context.Context, id string, patch NodePatch) (Node, error)
	// DeleteNode removes a node and every edge where it is source or target.
	DeleteNode(ctx context.Context, id string) error

	// CreateEdge persists a manual edge. It fails with a reference error if
	// either endpoint is missing, a duplicate error if an identical
	// (source, target, type) triple already exists, and a validation error
	// for auto-generated edge types.
	CreateEdge(ctx context.Context, draft EdgeDraft) (Edge, error)
	// DeleteEdge removes an edge by ID.
	DeleteEdge(ctx context.Context, id string) error
	// ListEdges returns edges matching the filter.
	ListEdges(ctx context.Context, filter EdgeFilter) ([]Edge, error)

	// ReplaceAutoEdges atomically replaces every auto-generated edge of the
	// given types for a tenant with the provided set. A failed or cancelled
	// call leaves the previous set intact.
	ReplaceAutoEdges(ctx context.Context, tenantID string, types []EdgeType, edges []Edge) error
}

// -- Staging Store --

// StagingStore persists staging items and enforces the review state machine.
// The terminal-state guard lives inside the transition methods, not in any
// caller.
type StagingStore interface {
	// Put inserts a new pending staging item.
	Put(ctx context.Context, item StagingItem) error
	// Get retrieves a staging item by ID.
	Get(ctx context.Context, id string) (StagingItem, error)
	// ListPending returns pending items for a tenant, oldest first.
	ListPending(ctx context.Context, tenantID string) ([]StagingItem, error)
	// CountsByAction returns the number of pending items per classification.
	CountsByAction(ctx context.Context, tenantID string) (map[StagingAction]int, error)
	// Transition moves an item from pending to a terminal status, recording
	// reviewer and notes. It fails with a state error if the item is already
	// terminal; exactly one concurrent transition can succeed.
	Transition(ctx context.Context, id string, to StagingStatus, reviewedBy, notes string) (StagingItem, error)
}

// -- Similarity Scoring Collaborator --

// PairScore is one scored candidate from the similarity collaborator.
type PairScore struct {
	NodeID     string  `json:"node_id"`
	Score      float64 `json:"score"`      // Cosine similarity over content embeddings, [0,1].
	Confidence float64 `json:"confidence"` // Scorer's confidence in its own estimate, [0,1].
}

// SimilarityScorer is the external collaborator that computes content
// similarity. The engine never computes embeddings itself.
//
// Implementations return a scoring-unavailable error when the collaborator
// cannot be reached; callers degrade as documented instead of failing.
type SimilarityScorer interface {
	// BestMatch scores the candidate text against existing nodes of a
	// compatible type within the tenant and returns the strongest match.
	// A zero-value PairScore with ok=false means no candidate exists.
	BestMatch(ctx context.Context, tenantID string, nodeType NodeType, title, content string) (PairScore, bool, error)
	// PairScores returns the similarity score for every unordered pair of
	// the given nodes that clears the minimum threshold.
	PairScores(ctx context.Context, tenantID string, nodes []Node, minScore float64) ([]ScoredPair, error)
}

// ScoredPair is a scored unordered node pair, as used by edge inference.
type ScoredPair struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Score    float64 `json:"score"`
}

// -- Settings --

// ThresholdSettings is the per-tenant configuration consumed by the dedup
// pipeline. Thresholds satisfy 0 <= skip < variant < merge <= 1.
type ThresholdSettings struct {
	SkipThreshold       float64       `json:"skip_threshold"`
	VariantThreshold    float64       `json:"variant_threshold"`
	MergeThreshold      float64       `json:"merge_threshold"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	StagingRetention    time.Duration `json:"staging_retention"`
}

// ThresholdPatch carries a partial settings update.
type ThresholdPatch struct {
	SkipThreshold       *float64       `json:"skip_threshold,omitempty"`
	VariantThreshold    *float64       `json:"variant_threshold,omitempty"`
	MergeThreshold      *float64       `json:"merge_threshold,omitempty"`
	ConfidenceThreshold *float64       `json:"confidence_threshold,omitempty"`
	StagingRetention    *time.Duration `json:"staging_retention,omitempty"`
}

// SettingsStore provides read-through access to threshold settings. The
// pipeline reads settings on every classification so a patch takes effect
// immediately.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (ThresholdSettings, error)
	Patch(ctx context.Context, tenantID string, patch ThresholdPatch) (ThresholdSettings, error)
}

// -- Usage / Heatmap --

// UsageCounters are the raw per-node usage numbers a heat score is derived from.
type UsageCounters struct {
	NodeID   string `json:"node_id"`
	Hits     int64  `json:"hits"`
	Sessions int64  `json:"sessions"`
}

// UsageSource supplies raw usage counters for a tenant over a named period
// (for example "7d" or "30d").
type UsageSource interface {
	Counters(ctx context.Context, tenantID, period string) ([]UsageCounters, error)
}
