// Package service wires configuration into a ready-to-serve component set:
// graph store backend selection, the scoring client, the inference engine,
// the expansion service, the dedup pipeline, and the heatmap aggregator.
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
	"github.com/xkilldash9x/kbgraph/internal/expand"
	"github.com/xkilldash9x/kbgraph/internal/graphstore"
	"github.com/xkilldash9x/kbgraph/internal/heatmap"
	"github.com/xkilldash9x/kbgraph/internal/inference"
	"github.com/xkilldash9x/kbgraph/internal/scoring"
	"github.com/xkilldash9x/kbgraph/internal/settings"
	"github.com/xkilldash9x/kbgraph/internal/staging"
)

// ComponentFactory builds the component set. The indirection keeps command
// wiring testable: tests swap in a factory that returns fakes.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}

	if err := f.initGraphStore(ctx, cfg, logger, c); err != nil {
		return nil, err
	}

	if cfg.Scoring.Endpoint != "" {
		scorer, err := scoring.NewHTTPScorer(cfg.Scoring, logger)
		if err != nil {
			c.Shutdown(ctx)
			return nil, fmt.Errorf("initialize scoring client: %w", err)
		}
		c.Scorer = scorer
	} else {
		logger.Warn("No scoring endpoint configured; similarity features degrade to their fallbacks.")
		c.Scorer = scoring.NopScorer{}
	}

	c.Staging = staging.NewInMemoryStagingStore(logger)
	c.Settings = settings.NewInMemorySettingsStore(cfg.Dedup, logger)

	c.Inference = inference.NewEngine(c.Graph, c.Scorer, cfg.Inference, logger)
	c.Expander = expand.NewService(c.Graph, logger)
	c.Pipeline = staging.NewPipeline(c.Graph, c.Staging, c.Scorer, c.Settings, logger)

	var usage schemas.UsageSource
	if cfg.Heatmap.RedisAddr != "" {
		source, err := heatmap.NewRedisUsageSource(cfg.Heatmap, logger)
		if err != nil {
			c.Shutdown(ctx)
			return nil, fmt.Errorf("initialize usage source: %w", err)
		}
		c.usageSource = source
		usage = source
	} else {
		logger.Warn("No usage source configured; heatmaps will report every node as never used.")
		usage = emptyUsageSource{}
	}
	c.Heatmap = heatmap.NewAggregator(usage, c.Graph, logger)

	logger.Info("Components initialized.",
		zap.String("graph_store", string(cfg.Graph.Store)),
		zap.Bool("scoring_enabled", cfg.Scoring.Endpoint != ""))
	return c, nil
}

func (f *concreteFactory) initGraphStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *Components) error {
	switch cfg.Graph.Store {
	case config.StoreMemory:
		c.Graph = graphstore.NewInMemoryGraph(logger)
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		store, err := graphstore.NewPostgresGraph(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return fmt.Errorf("initialize postgres graph store: %w", err)
		}
		c.dbPool = pool
		c.Graph = store
	case config.StoreNeo4j:
		store, err := graphstore.NewNeo4jGraph(ctx, cfg.Graph.Neo4j, logger)
		if err != nil {
			return fmt.Errorf("initialize neo4j graph store: %w", err)
		}
		c.neo4jGraph = store
		c.Graph = store
	default:
		return fmt.Errorf("unknown graph store %q", cfg.Graph.Store)
	}
	return nil
}

// emptyUsageSource reports no usage at all. Stands in when Redis is not
// configured so heatmap endpoints still answer.
type emptyUsageSource struct{}

func (emptyUsageSource) Counters(context.Context, string, string) ([]schemas.UsageCounters, error) {
	return nil, nil
}
