package heatmap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
)

// RedisUsageSource reads per-node usage counters from Redis. Each node keeps
// one hash at kb:usage:{tenant}:{node} whose fields carry a period suffix,
// for example hits:30d and sessions:30d.
type RedisUsageSource struct {
	rdb *goredis.Client
	log *zap.Logger
}

var _ schemas.UsageSource = (*RedisUsageSource)(nil)

// NewRedisUsageSource connects to Redis and verifies the connection.
func NewRedisUsageSource(cfg config.HeatmapConfig, logger *zap.Logger) (*RedisUsageSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.RedisAddr,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("heatmap: redis ping: %w", err)
	}

	return &RedisUsageSource{rdb: rdb, log: logger.Named("usage_source")}, nil
}

// Close releases the Redis connection.
func (s *RedisUsageSource) Close() error {
	return s.rdb.Close()
}

// Counters scans the tenant's usage keys and reads the period's counters.
// Nodes with no counter for the period are skipped, not zero-filled; callers
// treat missing usage as never.
func (s *RedisUsageSource) Counters(ctx context.Context, tenantID, period string) ([]schemas.UsageCounters, error) {
	pattern := usageKey(tenantID, "*")
	out := []schemas.UsageCounters{}

	iter := s.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		nodeID := nodeIDFromKey(key, tenantID)
		if nodeID == "" {
			continue
		}

		fields, err := s.rdb.HMGet(ctx, key, "hits:"+period, "sessions:"+period).Result()
		if err != nil {
			return nil, fmt.Errorf("heatmap: read counters for %s: %w", key, err)
		}
		hits := parseCounter(fields[0])
		if hits == 0 {
			continue
		}
		out = append(out, schemas.UsageCounters{
			NodeID:   nodeID,
			Hits:     hits,
			Sessions: parseCounter(fields[1]),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("heatmap: scan usage keys: %w", err)
	}
	return out, nil
}

func usageKey(tenantID, nodeID string) string {
	return fmt.Sprintf("kb:usage:%s:%s", tenantID, nodeID)
}

func nodeIDFromKey(key, tenantID string) string {
	prefix := usageKey(tenantID, "")
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
