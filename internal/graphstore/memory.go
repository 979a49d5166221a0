// Package graphstore provides the knowledge graph repository implementations:
// a fast in-memory store, a PostgreSQL store, and a Neo4j store, all behind
// the schemas.GraphStore interface.
package graphstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/kbgraph/api/schemas"
	"go.uber.org/zap"
)

// InMemoryGraph provides a fast, ephemeral, in-memory implementation of the
// GraphStore interface. It's great for testing, single-process deployments,
// or situations where persistence isn't required.
type InMemoryGraph struct {
	nodes    map[string]schemas.Node
	edges    map[string]schemas.Edge
	incident map[string]map[string]struct{} // Key: node ID, value: set of incident edge IDs.
	mu       sync.RWMutex
	log      *zap.Logger
}

// Ensures InMemoryGraph correctly implements the GraphStore interface at compile time.
var _ schemas.GraphStore = (*InMemoryGraph)(nil)

// NewInMemoryGraph creates a new, empty in-memory graph store.
func NewInMemoryGraph(logger *zap.Logger) *InMemoryGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryGraph{
		nodes:    make(map[string]schemas.Node),
		edges:    make(map[string]schemas.Edge),
		incident: make(map[string]map[string]struct{}),
		log:      logger.Named("InMemoryGraph"),
	}
}

// GetNode retrieves a node by its ID.
func (g *InMemoryGraph) GetNode(ctx context.Context, id string) (schemas.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return schemas.Node{}, schemas.NewNotFoundError("node with id '%s' not found", id)
	}
	return node, nil
}

// ListNodes returns nodes matching the filter, ordered by updated_at
// descending with id ascending as tiebreak, paginated by filter.Page/Limit.
func (g *InMemoryGraph) ListNodes(ctx context.Context, filter schemas.NodeFilter) ([]schemas.Node, error) {
	g.mu.RLock()
	matched := make([]schemas.Node, 0)
	for _, node := range g.nodes {
		if matchesNodeFilter(node, filter) {
			matched = append(matched, node)
		}
	}
	g.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return paginate(matched, filter.Page, filter.Limit), nil
}

// CountNodes returns the number of nodes matching the filter, ignoring pagination.
func (g *InMemoryGraph) CountNodes(ctx context.Context, filter schemas.NodeFilter) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, node := range g.nodes {
		if matchesNodeFilter(node, filter) {
			count++
		}
	}
	return count, nil
}

// CreateNode validates the draft and persists a new node.
func (g *InMemoryGraph) CreateNode(ctx context.Context, draft schemas.NodeDraft) (schemas.Node, error) {
	node, err := NodeFromDraft(draft)
	if err != nil {
		return schemas.Node{}, err
	}

	g.mu.Lock()
	g.nodes[node.ID] = node
	g.mu.Unlock()

	g.log.Debug("Node created", zap.String("id", node.ID), zap.String("type", string(node.Type)))
	return node, nil
}

// UpdateNode applies a partial update. The node's type is immutable; content
// changes are re-validated against it.
func (g *InMemoryGraph) UpdateNode(ctx context.Context, id string, patch schemas.NodePatch) (schemas.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return schemas.Node{}, schemas.NewNotFoundError("node with id '%s' not found", id)
	}

	updated, err := ApplyNodePatch(node, patch)
	if err != nil {
		return schemas.Node{}, err
	}

	g.nodes[id] = updated
	g.log.Debug("Node updated", zap.String("id", id), zap.Int("version", updated.Version))
	return updated, nil
}

// DeleteNode removes a node and cascades to every edge where it is source or
// target, in one critical section.
func (g *InMemoryGraph) DeleteNode(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return schemas.NewNotFoundError("node with id '%s' not found", id)
	}

	removed := 0
	for edgeID := range g.incident[id] {
		g.removeEdgeLocked(edgeID)
		removed++
	}
	delete(g.incident, id)
	delete(g.nodes, id)

	g.log.Debug("Node deleted", zap.String("id", id), zap.Int("cascaded_edges", removed))
	return nil
}

// CreateEdge persists a manual edge after validating endpoints, edge type,
// and uniqueness of the (source, target, type) triple.
func (g *InMemoryGraph) CreateEdge(ctx context.Context, draft schemas.EdgeDraft) (schemas.Edge, error) {
	if err := ValidateEdgeDraft(draft); err != nil {
		return schemas.Edge{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[draft.SourceID]; !ok {
		return schemas.Edge{}, schemas.NewReferenceError("source node with id '%s' not found for edge", draft.SourceID)
	}
	if _, ok := g.nodes[draft.TargetID]; !ok {
		return schemas.Edge{}, schemas.NewReferenceError("target node with id '%s' not found for edge", draft.TargetID)
	}
	for _, e := range g.edges {
		if !e.IsAutoGenerated && e.SourceID == draft.SourceID && e.TargetID == draft.TargetID && e.Type == draft.Type {
			return schemas.Edge{}, schemas.NewDuplicateError(
				"edge (%s, %s, %s) already exists", draft.SourceID, draft.TargetID, draft.Type)
		}
	}

	edge := schemas.Edge{
		ID:              uuid.NewString(),
		TenantID:        draft.TenantID,
		SourceID:        draft.SourceID,
		TargetID:        draft.TargetID,
		Type:            draft.Type,
		Weight:          draft.Weight,
		IsBidirectional: draft.IsBidirectional,
		IsAutoGenerated: false,
		CreatedAt:       time.Now().UTC(),
	}
	g.insertEdgeLocked(edge)

	g.log.Debug("Edge created", zap.String("id", edge.ID), zap.String("type", string(edge.Type)))
	return edge, nil
}

// DeleteEdge removes an edge by ID.
func (g *InMemoryGraph) DeleteEdge(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; !ok {
		return schemas.NewNotFoundError("edge with id '%s' not found", id)
	}
	g.removeEdgeLocked(id)
	return nil
}

// ListEdges returns edges matching the filter.
func (g *InMemoryGraph) ListEdges(ctx context.Context, filter schemas.EdgeFilter) ([]schemas.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []schemas.Edge
	if len(filter.NodeIDs) > 0 {
		// Use the incident index instead of a full scan.
		seen := make(map[string]struct{})
		for _, nodeID := range filter.NodeIDs {
			for edgeID := range g.incident[nodeID] {
				if _, dup := seen[edgeID]; dup {
					continue
				}
				seen[edgeID] = struct{}{}
				if e := g.edges[edgeID]; matchesEdgeFilter(e, filter) {
					out = append(out, e)
				}
			}
		}
	} else {
		for _, e := range g.edges {
			if matchesEdgeFilter(e, filter) {
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceAutoEdges atomically swaps the auto-generated edge set of the given
// types for a tenant. The whole swap happens under one write lock, so readers
// never observe a half-replaced set.
func (g *InMemoryGraph) ReplaceAutoEdges(ctx context.Context, tenantID string, types []schemas.EdgeType, edges []schemas.Edge) error {
	for _, e := range edges {
		if !e.IsAutoGenerated || !schemas.IsAutoEdgeType(e.Type) {
			return schemas.NewValidationError("replace set may only contain auto-generated edges (got %s)", e.Type)
		}
	}

	typeSet := make(map[schemas.EdgeType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Validate endpoints up front so a bad set leaves the store untouched.
	for _, e := range edges {
		if _, ok := g.nodes[e.SourceID]; !ok {
			return schemas.NewReferenceError("source node with id '%s' not found for edge", e.SourceID)
		}
		if _, ok := g.nodes[e.TargetID]; !ok {
			return schemas.NewReferenceError("target node with id '%s' not found for edge", e.TargetID)
		}
	}

	removed := 0
	for id, e := range g.edges {
		if e.TenantID != tenantID || !e.IsAutoGenerated {
			continue
		}
		if _, ok := typeSet[e.Type]; !ok {
			continue
		}
		g.removeEdgeLocked(id)
		removed++
	}
	for _, e := range edges {
		g.insertEdgeLocked(e)
	}

	g.log.Debug("Auto-generated edges replaced",
		zap.String("tenant_id", tenantID),
		zap.Int("removed", removed),
		zap.Int("inserted", len(edges)))
	return nil
}

// insertEdgeLocked stores an edge and indexes it on both endpoints.
// Assumes the caller holds the write lock.
func (g *InMemoryGraph) insertEdgeLocked(edge schemas.Edge) {
	g.edges[edge.ID] = edge
	for _, nodeID := range []string{edge.SourceID, edge.TargetID} {
		if g.incident[nodeID] == nil {
			g.incident[nodeID] = make(map[string]struct{})
		}
		g.incident[nodeID][edge.ID] = struct{}{}
	}
}

// removeEdgeLocked removes an edge and de-indexes it from both endpoints.
// Assumes the caller holds the write lock.
func (g *InMemoryGraph) removeEdgeLocked(edgeID string) {
	edge, ok := g.edges[edgeID]
	if !ok {
		return
	}
	delete(g.edges, edgeID)
	for _, nodeID := range []string{edge.SourceID, edge.TargetID} {
		if set := g.incident[nodeID]; set != nil {
			delete(set, edgeID)
			if len(set) == 0 {
				delete(g.incident, nodeID)
			}
		}
	}
}

// -- Filter matching helpers, shared by the in-memory store and tests --

func matchesNodeFilter(node schemas.Node, f schemas.NodeFilter) bool {
	if len(f.TenantIDs) > 0 && !containsString(f.TenantIDs, node.TenantID) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if node.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if node.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		want := schemas.NormalizeTags(f.Tags)
		have := make(map[string]struct{}, len(node.Tags))
		for _, tag := range node.Tags {
			have[tag] = struct{}{}
		}
		if f.TagsAllOf {
			for _, tag := range want {
				if _, ok := have[tag]; !ok {
					return false
				}
			}
		} else {
			any := false
			for _, tag := range want {
				if _, ok := have[tag]; ok {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	if f.Query != "" && !MatchesQuery(node, f.Query) {
		return false
	}
	return true
}

// MatchesQuery reports whether the node matches a free-text query: a
// case-insensitive substring match over title, summary, and tags.
func MatchesQuery(node schemas.Node, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(node.Title), q) {
		return true
	}
	if strings.Contains(strings.ToLower(node.Summary), q) {
		return true
	}
	for _, tag := range node.Tags {
		if strings.Contains(tag, q) {
			return true
		}
	}
	return false
}

func matchesEdgeFilter(edge schemas.Edge, f schemas.EdgeFilter) bool {
	if f.TenantID != "" && edge.TenantID != f.TenantID {
		return false
	}
	if f.AutoGeneratedOnly && !edge.IsAutoGenerated {
		return false
	}
	if f.ManualOnly && edge.IsAutoGenerated {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if edge.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func paginate(nodes []schemas.Node, page, limit int) []schemas.Node {
	if limit <= 0 {
		return nodes
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(nodes) {
		return []schemas.Node{}
	}
	end := start + limit
	if end > len(nodes) {
		end = len(nodes)
	}
	return nodes[start:end]
}
