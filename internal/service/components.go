package service

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/expand"
	"github.com/xkilldash9x/kbgraph/internal/graphstore"
	"github.com/xkilldash9x/kbgraph/internal/heatmap"
	"github.com/xkilldash9x/kbgraph/internal/inference"
	"github.com/xkilldash9x/kbgraph/internal/observability"
	"github.com/xkilldash9x/kbgraph/internal/staging"
)

// Components holds every initialized service the engine needs. The struct
// centralizes lifecycle management: construction happens in the factory,
// teardown in Shutdown.
type Components struct {
	Graph    schemas.GraphStore
	Staging  schemas.StagingStore
	Settings schemas.SettingsStore
	Scorer   schemas.SimilarityScorer

	Inference *inference.Engine
	Expander  *expand.Service
	Pipeline  *staging.Pipeline
	Heatmap   *heatmap.Aggregator

	// Backend handles owned by the components, closed on shutdown.
	dbPool      *pgxpool.Pool
	neo4jGraph  *graphstore.Neo4jGraph
	usageSource *heatmap.RedisUsageSource
}

// Shutdown releases backend connections. Safe to call on a partially
// constructed set.
func (c *Components) Shutdown(ctx context.Context) {
	logger := observability.GetLogger()

	if c.usageSource != nil {
		if err := c.usageSource.Close(); err != nil {
			logger.Warn("Failed to close usage source.", zap.Error(err))
		}
	}
	if c.neo4jGraph != nil {
		if err := c.neo4jGraph.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j driver.", zap.Error(err))
		}
	}
	if c.dbPool != nil {
		c.dbPool.Close()
	}
	logger.Debug("Components shutdown complete.")
}
