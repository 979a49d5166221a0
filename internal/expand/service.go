// Package expand answers search and explore requests by cutting a bounded
// subgraph out of the graph store. Seed resolution and edge loading go
// through the store; the traversal itself is synchronous computation over
// already-fetched data.
package expand

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
)

// Service expands a query into a bounded subgraph.
type Service struct {
	store schemas.GraphStore
	log   *zap.Logger
}

// NewService builds an expansion service over the given store.
func NewService(store schemas.GraphStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, log: logger.Named("expand")}
}

// candidate tracks per-node traversal state used by truncation ranking.
type candidate struct {
	node      schemas.Node
	hop       int
	maxWeight float64 // Strongest incident edge weight seen during traversal.
	seedRank  int     // Position among text matches; -1 for non-seeds.
}

// Expand resolves the seed set, runs a multi-source BFS up to the requested
// depth, and truncates the accumulated node set to the limit. Seeds are never
// truncated and are reported in Matches so consumers can highlight direct
// hits distinctly from expanded context.
func (s *Service) Expand(ctx context.Context, req schemas.ExpandRequest) (schemas.ExpandResult, error) {
	if len(req.TenantIDs) == 0 {
		return schemas.ExpandResult{}, schemas.NewValidationError("at least one tenant_id is required")
	}
	if req.Depth < 0 {
		return schemas.ExpandResult{}, schemas.NewValidationError("depth cannot be negative")
	}

	seeds, err := s.store.ListNodes(ctx, schemas.NodeFilter{
		TenantIDs: req.TenantIDs,
		Types:     req.NodeTypes,
		Query:     req.Query,
	})
	if err != nil {
		return schemas.ExpandResult{}, fmt.Errorf("expand: resolve seeds: %w", err)
	}
	if len(seeds) == 0 {
		return schemas.ExpandResult{Nodes: []schemas.Node{}, Edges: []schemas.Edge{}, Matches: []string{}}, nil
	}

	edgeTypes := allowedEdgeTypes(req)
	tenants := make(map[string]struct{}, len(req.TenantIDs))
	for _, id := range req.TenantIDs {
		tenants[id] = struct{}{}
	}

	visited := make(map[string]*candidate, len(seeds))
	matches := make([]string, 0, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for i, seed := range seeds {
		visited[seed.ID] = &candidate{node: seed, hop: 0, seedRank: i}
		matches = append(matches, seed.ID)
		frontier = append(frontier, seed.ID)
	}

	collected := make(map[string]schemas.Edge)

	// An empty allowed set means nothing is traversable; an empty Types
	// filter would mean "no constraint" to the store.
	if len(edgeTypes) == 0 {
		frontier = nil
	}

	// The worklist advances one full hop at a time, so hop assignment is
	// strictly increasing and independent of edge iteration order.
	for hop := 1; hop <= req.Depth && len(frontier) > 0; hop++ {
		edges, err := s.store.ListEdges(ctx, schemas.EdgeFilter{
			NodeIDs: frontier,
			Types:   edgeTypes,
		})
		if err != nil {
			return schemas.ExpandResult{}, fmt.Errorf("expand: load edges at hop %d: %w", hop, err)
		}

		next := []string{}
		for _, edge := range edges {
			if _, ok := tenants[edge.TenantID]; !ok {
				continue
			}
			collected[edge.ID] = edge

			for _, endpoint := range []string{edge.SourceID, edge.TargetID} {
				if c, ok := visited[endpoint]; ok {
					if edge.Weight > c.maxWeight {
						c.maxWeight = edge.Weight
					}
					continue
				}
				node, err := s.store.GetNode(ctx, endpoint)
				if err != nil {
					if schemas.IsKind(err, schemas.KindNotFound) {
						continue
					}
					return schemas.ExpandResult{}, fmt.Errorf("expand: load node %q: %w", endpoint, err)
				}
				if _, ok := tenants[node.TenantID]; !ok {
					continue
				}
				visited[endpoint] = &candidate{
					node:      node,
					hop:       hop,
					maxWeight: edge.Weight,
					seedRank:  -1,
				}
				next = append(next, endpoint)
			}
		}
		frontier = next
	}

	kept := truncate(visited, req.Limit)

	nodes := make([]schemas.Node, 0, len(kept))
	keptIDs := make(map[string]struct{}, len(kept))
	for _, c := range kept {
		nodes = append(nodes, c.node)
		keptIDs[c.node.ID] = struct{}{}
	}

	// Drop edges whose endpoints fell to truncation; the result must be
	// self-contained.
	edges := make([]schemas.Edge, 0, len(collected))
	for _, edge := range collected {
		if _, ok := keptIDs[edge.SourceID]; !ok {
			continue
		}
		if _, ok := keptIDs[edge.TargetID]; !ok {
			continue
		}
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	s.log.Debug("Subgraph expansion complete.",
		zap.Int("seeds", len(matches)),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("depth", req.Depth))

	return schemas.ExpandResult{Nodes: nodes, Edges: edges, Matches: matches}, nil
}

// allowedEdgeTypes applies the request's edge-type filter. When implicit
// edges are excluded the auto-generated types are removed even if the caller
// listed them explicitly.
func allowedEdgeTypes(req schemas.ExpandRequest) []schemas.EdgeType {
	types := req.EdgeTypes
	if len(types) == 0 {
		types = []schemas.EdgeType{
			schemas.EdgeRelated, schemas.EdgeParent, schemas.EdgeExampleOf,
			schemas.EdgeSharedTag, schemas.EdgeSimilar,
		}
	}
	if req.IncludeImplicit {
		return types
	}
	out := make([]schemas.EdgeType, 0, len(types))
	for _, t := range types {
		if schemas.IsAutoEdgeType(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// truncate ranks candidates and keeps at most limit of them. Ranking keys:
// hop distance ascending, strongest incident edge weight descending, then
// text-match rank for seeds and node id as the final tiebreak. Seeds are
// always kept, even when they alone exceed the limit.
func truncate(visited map[string]*candidate, limit int) []*candidate {
	all := make([]*candidate, 0, len(visited))
	for _, c := range visited {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.hop != b.hop {
			return a.hop < b.hop
		}
		if a.maxWeight != b.maxWeight {
			return a.maxWeight > b.maxWeight
		}
		if a.seedRank != b.seedRank {
			// Lower seed rank is a stronger text match; -1 (non-seed) sorts last.
			if a.seedRank == -1 {
				return false
			}
			if b.seedRank == -1 {
				return true
			}
			return a.seedRank < b.seedRank
		}
		return a.node.ID < b.node.ID
	})

	if limit <= 0 || len(all) <= limit {
		return all
	}

	kept := make([]*candidate, 0, limit)
	for _, c := range all {
		if c.seedRank >= 0 || len(kept) < limit {
			kept = append(kept, c)
		}
	}
	return kept
}
