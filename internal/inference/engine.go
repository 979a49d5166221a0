// Package inference recomputes the auto-generated edge set for a tenant from
// current node state. It owns the shared_tag and similar edge types
// exclusively: regeneration replaces the previous set atomically through the
// store's ReplaceAutoEdges primitive, never by incremental diffing.
package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
)

// edgeNamespace seeds deterministic edge ids. Rerunning inference on
// unchanged node state must yield a byte-identical edge set, so ids are
// derived from the edge's identity rather than generated randomly.
var edgeNamespace = uuid.MustParse("7e9f1c2a-4b3d-4e5f-8a6b-9c0d1e2f3a4b")

// Status describes the outcome of the most recent regeneration for a tenant.
type Status struct {
	TenantID       string    `json:"tenant_id"`
	LastRun        time.Time `json:"last_run"`
	SharedTagEdges int       `json:"shared_tag_edges"`
	SimilarEdges   int       `json:"similar_edges"`
	ScoringSkipped bool      `json:"scoring_skipped"` // Similar regeneration skipped: collaborator unreachable.
	DurationMillis int64     `json:"duration_ms"`
}

// Engine derives shared_tag and similar edges from node state.
type Engine struct {
	store  schemas.GraphStore
	scorer schemas.SimilarityScorer
	cfg    config.InferenceConfig
	log    *zap.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex

	statusMu sync.RWMutex
	status   map[string]Status
}

// NewEngine builds an inference engine over the given store and scorer.
func NewEngine(store schemas.GraphStore, scorer schemas.SimilarityScorer, cfg config.InferenceConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		scorer:  scorer,
		cfg:     cfg,
		log:     logger.Named("inference"),
		tenants: make(map[string]*sync.Mutex),
		status:  make(map[string]Status),
	}
}

// tenantLock returns the mutex serializing regeneration for one tenant.
// Concurrent triggers for the same tenant queue instead of racing on the
// replace primitive.
func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		e.tenants[tenantID] = lock
	}
	return lock
}

// Regenerate recomputes the full auto-generated edge set for a tenant and
// atomically replaces the previous set. When the similarity collaborator is
// unreachable only shared_tag edges are replaced; previously stored similar
// edges survive the run untouched.
func (e *Engine) Regenerate(ctx context.Context, tenantID string) (Status, error) {
	if tenantID == "" {
		return Status{}, schemas.NewValidationError("tenant_id is required")
	}
	lock := e.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now().UTC()

	nodes, err := e.store.ListNodes(ctx, schemas.NodeFilter{TenantIDs: []string{tenantID}})
	if err != nil {
		return Status{}, fmt.Errorf("inference: load nodes for tenant %q: %w", tenantID, err)
	}
	// Stable node order keeps pair enumeration, and therefore the produced
	// edge set, deterministic.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var (
		sharedTag []schemas.Edge
		similar   []schemas.Edge
		skipped   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sharedTag = e.sharedTagEdges(tenantID, nodes, started)
		return nil
	})
	g.Go(func() error {
		pairs, err := e.scorer.PairScores(gctx, tenantID, nodes, e.cfg.MinSimilarity)
		if err != nil {
			if schemas.IsKind(err, schemas.KindScoringUnavailable) {
				skipped = true
				e.log.Warn("Similarity collaborator unavailable, skipping similar edge regeneration.",
					zap.String("tenant_id", tenantID), zap.Error(err))
				return nil
			}
			return fmt.Errorf("inference: score node pairs: %w", err)
		}
		similar = e.similarEdges(tenantID, pairs, started)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Status{}, err
	}

	types := []schemas.EdgeType{schemas.EdgeSharedTag}
	edges := sharedTag
	if !skipped {
		types = schemas.AutoEdgeTypes
		edges = append(edges, similar...)
	}
	sortEdges(edges)

	if err := e.store.ReplaceAutoEdges(ctx, tenantID, types, edges); err != nil {
		return Status{}, fmt.Errorf("inference: replace auto edges: %w", err)
	}

	status := Status{
		TenantID:       tenantID,
		LastRun:        started,
		SharedTagEdges: len(sharedTag),
		SimilarEdges:   len(similar),
		ScoringSkipped: skipped,
		DurationMillis: time.Since(started).Milliseconds(),
	}
	e.statusMu.Lock()
	e.status[tenantID] = status
	e.statusMu.Unlock()

	e.log.Info("Edge inference regeneration complete.",
		zap.String("tenant_id", tenantID),
		zap.Int("shared_tag", len(sharedTag)),
		zap.Int("similar", len(similar)),
		zap.Bool("scoring_skipped", skipped))
	return status, nil
}

// Status returns the most recent regeneration outcome for a tenant.
func (e *Engine) Status(tenantID string) (Status, bool) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	s, ok := e.status[tenantID]
	return s, ok
}

// sharedTagEdges enumerates unordered node pairs and emits a shared_tag edge
// wherever the Jaccard overlap of their normalized tag sets clears the
// configured minimum. Weight is the overlap ratio.
func (e *Engine) sharedTagEdges(tenantID string, nodes []schemas.Node, at time.Time) []schemas.Edge {
	edges := []schemas.Edge{}
	for i := 0; i < len(nodes); i++ {
		if len(nodes[i].Tags) == 0 {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			overlap := jaccard(nodes[i].Tags, nodes[j].Tags)
			if overlap < e.cfg.MinTagOverlap || overlap == 0 {
				continue
			}
			edges = append(edges, e.autoEdge(tenantID, nodes[i].ID, nodes[j].ID,
				schemas.EdgeSharedTag, overlap, at))
		}
	}
	return edges
}

// similarEdges converts scored pairs into similar edges. The scorer already
// applied the minimum threshold; pairs are normalized to a canonical
// direction and de-duplicated so the result is order-independent.
func (e *Engine) similarEdges(tenantID string, pairs []schemas.ScoredPair, at time.Time) []schemas.Edge {
	seen := make(map[string]struct{}, len(pairs))
	edges := make([]schemas.Edge, 0, len(pairs))
	for _, p := range pairs {
		src, dst := orderPair(p.SourceID, p.TargetID)
		if src == dst || src == "" {
			continue
		}
		key := src + "|" + dst
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		edges = append(edges, e.autoEdge(tenantID, src, dst, schemas.EdgeSimilar, p.Score, at))
	}
	return edges
}

// autoEdge materializes one auto-generated edge with a deterministic id.
func (e *Engine) autoEdge(tenantID, a, b string, t schemas.EdgeType, weight float64, at time.Time) schemas.Edge {
	src, dst := orderPair(a, b)
	id := uuid.NewSHA1(edgeNamespace,
		[]byte(tenantID+"|"+string(t)+"|"+src+"|"+dst)).String()
	return schemas.Edge{
		ID:              id,
		TenantID:        tenantID,
		SourceID:        src,
		TargetID:        dst,
		Type:            t,
		Weight:          weight,
		IsBidirectional: true,
		IsAutoGenerated: true,
		CreatedAt:       at,
	}
}

// jaccard computes |A∩B| / |A∪B| over two normalized tag sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	intersection := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func sortEdges(edges []schemas.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Type != edges[j].Type {
			return edges[i].Type < edges[j].Type
		}
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].TargetID < edges[j].TargetID
	})
}
