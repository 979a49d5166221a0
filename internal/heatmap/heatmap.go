// Package heatmap turns raw per-node usage counters into normalized heat
// scores and fixed categorical levels, plus tag- and type-level aggregates.
// Scoring and level mapping are pure, total functions: malformed or missing
// input maps to the never level, it does not fail.
package heatmap

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
)

// Level is the categorical heat bucket used by consumers for coloring.
type Level string

const (
	LevelNever Level = "never"
	LevelCold  Level = "cold"
	LevelCool  Level = "cool"
	LevelWarm  Level = "warm"
	LevelHot   Level = "hot"
	LevelFire  Level = "fire"
)

// Score normalizes a hit counter into [0,1] against the tenant's maximum.
// Non-positive maxima and negative counters normalize to zero.
func Score(hits, maxHits int64) float64 {
	if hits <= 0 || maxHits <= 0 {
		return 0
	}
	if hits >= maxHits {
		return 1
	}
	return float64(hits) / float64(maxHits)
}

// LevelFor maps a score to its level. Boundaries are inclusive upper bounds:
// 0 is never, (0, 0.2] cold, (0.2, 0.4] cool, (0.4, 0.6] warm, (0.6, 0.8]
// hot, (0.8, 1.0] fire. The function is total: NaN and negative scores map to
// never, scores above 1 to fire.
func LevelFor(score float64) Level {
	switch {
	case math.IsNaN(score) || score <= 0:
		return LevelNever
	case score <= 0.2:
		return LevelCold
	case score <= 0.4:
		return LevelCool
	case score <= 0.6:
		return LevelWarm
	case score <= 0.8:
		return LevelHot
	default:
		return LevelFire
	}
}

// NodeHeat is one node's usage annotated with its normalized heat.
type NodeHeat struct {
	NodeID   string  `json:"node_id"`
	Hits     int64   `json:"hits"`
	Sessions int64   `json:"sessions"`
	Score    float64 `json:"score"`
	Level    Level   `json:"level"`
}

// GroupHeat is the aggregated heat of a tag or node type: the mean score of
// its member nodes.
type GroupHeat struct {
	Key   string  `json:"key"`
	Nodes int     `json:"nodes"`
	Score float64 `json:"score"`
	Level Level   `json:"level"`
}

// Aggregator joins usage counters with graph metadata.
type Aggregator struct {
	source schemas.UsageSource
	store  schemas.GraphStore
	log    *zap.Logger
}

// NewAggregator builds a heatmap aggregator.
func NewAggregator(source schemas.UsageSource, store schemas.GraphStore, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{source: source, store: store, log: logger.Named("heatmap")}
}

// HeatForTenant returns per-node heat for every node with recorded usage,
// normalized against the tenant's busiest node in the period.
func (a *Aggregator) HeatForTenant(ctx context.Context, tenantID, period string) ([]NodeHeat, error) {
	counters, err := a.source.Counters(ctx, tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("heatmap: load usage counters: %w", err)
	}

	var maxHits int64
	for _, c := range counters {
		if c.Hits > maxHits {
			maxHits = c.Hits
		}
	}

	out := make([]NodeHeat, 0, len(counters))
	for _, c := range counters {
		score := Score(c.Hits, maxHits)
		out = append(out, NodeHeat{
			NodeID:   c.NodeID,
			Hits:     c.Hits,
			Sessions: c.Sessions,
			Score:    score,
			Level:    LevelFor(score),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

// HeatByTag aggregates node heat over tags: a tag's score is the mean score
// of the nodes carrying it. Nodes without recorded usage count as zero.
func (a *Aggregator) HeatByTag(ctx context.Context, tenantID, period string) ([]GroupHeat, error) {
	return a.aggregate(ctx, tenantID, period, func(n schemas.Node) []string {
		return n.Tags
	})
}

// HeatByType aggregates node heat over node types.
func (a *Aggregator) HeatByType(ctx context.Context, tenantID, period string) ([]GroupHeat, error) {
	return a.aggregate(ctx, tenantID, period, func(n schemas.Node) []string {
		return []string{string(n.Type)}
	})
}

func (a *Aggregator) aggregate(ctx context.Context, tenantID, period string, keysOf func(schemas.Node) []string) ([]GroupHeat, error) {
	heat, err := a.HeatForTenant(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}
	scoreByNode := make(map[string]float64, len(heat))
	for _, h := range heat {
		scoreByNode[h.NodeID] = h.Score
	}

	nodes, err := a.store.ListNodes(ctx, schemas.NodeFilter{TenantIDs: []string{tenantID}})
	if err != nil {
		return nil, fmt.Errorf("heatmap: load nodes: %w", err)
	}

	sums := map[string]float64{}
	counts := map[string]int{}
	for _, node := range nodes {
		score := scoreByNode[node.ID] // Missing usage reads as zero.
		for _, key := range keysOf(node) {
			sums[key] += score
			counts[key]++
		}
	}

	out := make([]GroupHeat, 0, len(sums))
	for key, sum := range sums {
		mean := sum / float64(counts[key])
		out = append(out, GroupHeat{
			Key:   key,
			Nodes: counts[key],
			Score: mean,
			Level: LevelFor(mean),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
