// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Graph     GraphConfig     `mapstructure:"graph" yaml:"graph"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Dedup     DedupConfig     `mapstructure:"dedup" yaml:"dedup"`
	Scoring   ScoringConfig   `mapstructure:"scoring" yaml:"scoring"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Heatmap   HeatmapConfig   `mapstructure:"heatmap" yaml:"heatmap"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // Megabytes before rotation.
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // Days.
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds PostgreSQL connection settings for the persistent
// graph store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"` // Set via KBGRAPH_DATABASE_PASSWORD.
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GraphStoreType selects the graph store backend.
type GraphStoreType string

const (
	StoreMemory   GraphStoreType = "memory"
	StorePostgres GraphStoreType = "postgres"
	StoreNeo4j    GraphStoreType = "neo4j"
)

// GraphConfig selects and configures the graph store backend.
type GraphConfig struct {
	Store GraphStoreType `mapstructure:"store" yaml:"store"`
	Neo4j Neo4jConfig    `mapstructure:"neo4j" yaml:"neo4j"`
}

// Neo4jConfig holds Neo4j driver settings.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"` // Set via KBGRAPH_GRAPH_NEO4J_PASSWORD.
	Database string `mapstructure:"database" yaml:"database"`
}

// InferenceConfig tunes the edge inference engine.
type InferenceConfig struct {
	MinTagOverlap float64 `mapstructure:"min_tag_overlap" yaml:"min_tag_overlap"` // Jaccard minimum for shared_tag edges.
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`   // Score minimum for similar edges.
}

// DedupConfig seeds the default threshold settings consumed by the staging
// pipeline. Per-tenant overrides live in the settings store.
type DedupConfig struct {
	SkipThreshold       float64       `mapstructure:"skip_threshold" yaml:"skip_threshold"`
	VariantThreshold    float64       `mapstructure:"variant_threshold" yaml:"variant_threshold"`
	MergeThreshold      float64       `mapstructure:"merge_threshold" yaml:"merge_threshold"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	StagingRetention    time.Duration `mapstructure:"staging_retention" yaml:"staging_retention"`
}

// ScoringConfig configures the similarity-scoring collaborator client.
type ScoringConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second.
	Burst     int           `mapstructure:"burst" yaml:"burst"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// HeatmapConfig configures the usage-counter source.
type HeatmapConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	DefaultPeriod string `mapstructure:"default_period" yaml:"default_period"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "kbgraph")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "kbgraph")
	v.SetDefault("database.sslmode", "disable")

	// -- Graph --
	v.SetDefault("graph.store", "memory")
	v.SetDefault("graph.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("graph.neo4j.user", "neo4j")
	v.SetDefault("graph.neo4j.database", "neo4j")

	// -- Inference --
	v.SetDefault("inference.min_tag_overlap", 0.3)
	v.SetDefault("inference.min_similarity", 0.75)

	// -- Dedup --
	v.SetDefault("dedup.skip_threshold", 0.1)
	v.SetDefault("dedup.variant_threshold", 0.5)
	v.SetDefault("dedup.merge_threshold", 0.85)
	v.SetDefault("dedup.confidence_threshold", 0.6)
	v.SetDefault("dedup.staging_retention", 30*24*time.Hour)

	// -- Scoring --
	v.SetDefault("scoring.endpoint", "http://localhost:8090")
	v.SetDefault("scoring.timeout", "10s")
	v.SetDefault("scoring.rate_limit", 5.0)
	v.SetDefault("scoring.burst", 10)

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// -- Heatmap --
	v.SetDefault("heatmap.redis_addr", "localhost:6379")
	v.SetDefault("heatmap.redis_db", 0)
	v.SetDefault("heatmap.default_period", "30d")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("database.password", "KBGRAPH_DATABASE_PASSWORD")
	_ = v.BindEnv("graph.neo4j.password", "KBGRAPH_GRAPH_NEO4J_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Graph.Store {
	case StoreMemory, StorePostgres, StoreNeo4j:
	default:
		return fmt.Errorf("graph.store must be one of memory, postgres, neo4j (got %q)", c.Graph.Store)
	}
	if c.Inference.MinTagOverlap < 0 || c.Inference.MinTagOverlap > 1 {
		return fmt.Errorf("inference.min_tag_overlap must be between 0.0 and 1.0")
	}
	if c.Inference.MinSimilarity < 0 || c.Inference.MinSimilarity > 1 {
		return fmt.Errorf("inference.min_similarity must be between 0.0 and 1.0")
	}
	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup configuration invalid: %w", err)
	}
	if c.Scoring.RateLimit <= 0 {
		return fmt.Errorf("scoring.rate_limit must be positive")
	}
	return nil
}

// Validate checks the dedup threshold ordering required by the staging
// pipeline: 0 <= skip < variant < merge <= 1.
func (d *DedupConfig) Validate() error {
	if d.SkipThreshold < 0 || d.MergeThreshold > 1 {
		return fmt.Errorf("thresholds must lie in the unit interval")
	}
	if !(d.SkipThreshold < d.VariantThreshold && d.VariantThreshold < d.MergeThreshold) {
		return fmt.Errorf("thresholds must satisfy skip < variant < merge (got %.2f, %.2f, %.2f)",
			d.SkipThreshold, d.VariantThreshold, d.MergeThreshold)
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	return nil
}
