// Package settings holds per-tenant threshold settings for the dedup
// pipeline. Reads are served from memory with configuration defaults as the
// fallback, so the pipeline sees a patch on its very next classification.
package settings

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
)

// InMemorySettingsStore implements schemas.SettingsStore. Tenants without an
// explicit override inherit the configured defaults.
type InMemorySettingsStore struct {
	defaults schemas.ThresholdSettings
	mu       sync.RWMutex
	tenants  map[string]schemas.ThresholdSettings
	log      *zap.Logger
}

var _ schemas.SettingsStore = (*InMemorySettingsStore)(nil)

// NewInMemorySettingsStore seeds the store with defaults from configuration.
func NewInMemorySettingsStore(cfg config.DedupConfig, logger *zap.Logger) *InMemorySettingsStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemorySettingsStore{
		defaults: schemas.ThresholdSettings{
			SkipThreshold:       cfg.SkipThreshold,
			VariantThreshold:    cfg.VariantThreshold,
			MergeThreshold:      cfg.MergeThreshold,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			StagingRetention:    cfg.StagingRetention,
		},
		tenants: make(map[string]schemas.ThresholdSettings),
		log:     logger.Named("settings"),
	}
}

// Get returns the tenant's settings, falling back to the defaults.
func (s *InMemorySettingsStore) Get(ctx context.Context, tenantID string) (schemas.ThresholdSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if settings, ok := s.tenants[tenantID]; ok {
		return settings, nil
	}
	return s.defaults, nil
}

// Patch applies a partial update to the tenant's settings and validates the
// result before storing it. An invalid patch leaves the settings untouched.
func (s *InMemorySettingsStore) Patch(ctx context.Context, tenantID string, patch schemas.ThresholdPatch) (schemas.ThresholdSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, ok := s.tenants[tenantID]
	if !ok {
		settings = s.defaults
	}
	if patch.SkipThreshold != nil {
		settings.SkipThreshold = *patch.SkipThreshold
	}
	if patch.VariantThreshold != nil {
		settings.VariantThreshold = *patch.VariantThreshold
	}
	if patch.MergeThreshold != nil {
		settings.MergeThreshold = *patch.MergeThreshold
	}
	if patch.ConfidenceThreshold != nil {
		settings.ConfidenceThreshold = *patch.ConfidenceThreshold
	}
	if patch.StagingRetention != nil {
		settings.StagingRetention = *patch.StagingRetention
	}

	if err := validate(settings); err != nil {
		return schemas.ThresholdSettings{}, err
	}

	s.tenants[tenantID] = settings
	s.log.Info("Tenant threshold settings updated.", zap.String("tenant_id", tenantID))
	return settings, nil
}

// validate enforces the threshold ordering the classification algorithm
// depends on: 0 <= skip < variant < merge <= 1.
func validate(s schemas.ThresholdSettings) error {
	if s.SkipThreshold < 0 || s.MergeThreshold > 1 {
		return schemas.NewValidationError("thresholds must lie in the unit interval")
	}
	if !(s.SkipThreshold < s.VariantThreshold && s.VariantThreshold < s.MergeThreshold) {
		return schemas.NewValidationError(
			"thresholds must satisfy skip < variant < merge (got %.2f, %.2f, %.2f)",
			s.SkipThreshold, s.VariantThreshold, s.MergeThreshold)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return schemas.NewValidationError("confidence_threshold must lie in the unit interval")
	}
	if s.StagingRetention < 0 {
		return schemas.NewValidationError("staging_retention cannot be negative")
	}
	return nil
}
