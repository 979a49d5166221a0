package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, StoreMemory, cfg.Graph.Store)
	assert.Equal(t, 0.3, cfg.Inference.MinTagOverlap)
	assert.Equal(t, 0.1, cfg.Dedup.SkipThreshold)
	assert.Equal(t, 0.5, cfg.Dedup.VariantThreshold)
	assert.Equal(t, 0.85, cfg.Dedup.MergeThreshold)
	assert.Equal(t, 0.6, cfg.Dedup.ConfidenceThreshold)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestNewConfigFromViper(t *testing.T) {
	t.Parallel()

	t.Run("overrides defaults", func(t *testing.T) {
		t.Parallel()
		v := viper.New()
		SetDefaults(v)
		v.Set("graph.store", "postgres")
		v.Set("dedup.merge_threshold", 0.9)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, StorePostgres, cfg.Graph.Store)
		assert.Equal(t, 0.9, cfg.Dedup.MergeThreshold)
	})

	t.Run("rejects unknown store backend", func(t *testing.T) {
		t.Parallel()
		v := viper.New()
		SetDefaults(v)
		v.Set("graph.store", "cassandra")

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "graph.store")
	})

	t.Run("rejects inverted dedup thresholds", func(t *testing.T) {
		t.Parallel()
		v := viper.New()
		SetDefaults(v)
		v.Set("dedup.skip_threshold", 0.9)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "skip < variant < merge")
	})
}

func TestDatabaseDSN(t *testing.T) {
	t.Parallel()
	d := DatabaseConfig{Host: "db", Port: 5433, User: "kb", Password: "pw", DBName: "graph", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=kb password=pw dbname=graph sslmode=require", d.DSN())
}
