package staging

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
)

// InMemoryStagingStore keeps staging items in memory. The review state
// machine's terminal-state guard lives inside Transition: it is the sole
// concurrency control for approval and rejection, so exactly one of two
// concurrent transitions on the same item can succeed.
type InMemoryStagingStore struct {
	mu    sync.RWMutex
	items map[string]schemas.StagingItem
	log   *zap.Logger
}

var _ schemas.StagingStore = (*InMemoryStagingStore)(nil)

// NewInMemoryStagingStore creates an empty staging store.
func NewInMemoryStagingStore(logger *zap.Logger) *InMemoryStagingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStagingStore{
		items: make(map[string]schemas.StagingItem),
		log:   logger.Named("staging_store"),
	}
}

// Put inserts a new pending staging item.
func (s *InMemoryStagingStore) Put(ctx context.Context, item schemas.StagingItem) error {
	if item.ID == "" {
		return schemas.NewValidationError("staging item id is required")
	}
	if item.Status != schemas.StagingPending {
		return schemas.NewValidationError("new staging items must be pending (got %q)", item.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return schemas.NewDuplicateError("staging item %q already exists", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

// Get retrieves a staging item by ID.
func (s *InMemoryStagingStore) Get(ctx context.Context, id string) (schemas.StagingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return schemas.StagingItem{}, schemas.NewNotFoundError("staging item %q not found", id)
	}
	return item, nil
}

// ListPending returns pending items for a tenant, oldest first.
func (s *InMemoryStagingStore) ListPending(ctx context.Context, tenantID string) ([]schemas.StagingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []schemas.StagingItem{}
	for _, item := range s.items {
		if item.TenantID == tenantID && item.Status == schemas.StagingPending {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountsByAction returns the number of pending items per classification.
func (s *InMemoryStagingStore) CountsByAction(ctx context.Context, tenantID string) (map[schemas.StagingAction]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[schemas.StagingAction]int{}
	for _, item := range s.items {
		if item.TenantID == tenantID && item.Status == schemas.StagingPending {
			counts[item.Action]++
		}
	}
	return counts, nil
}

// Transition moves an item from pending into a terminal status. A second
// transition on an already-terminal item fails with a state error regardless
// of the target status.
func (s *InMemoryStagingStore) Transition(ctx context.Context, id string, to schemas.StagingStatus, reviewedBy, notes string) (schemas.StagingItem, error) {
	if to != schemas.StagingApproved && to != schemas.StagingRejected {
		return schemas.StagingItem{}, schemas.NewValidationError(
			"transition target must be terminal (got %q)", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return schemas.StagingItem{}, schemas.NewNotFoundError("staging item %q not found", id)
	}
	if item.Status != schemas.StagingPending {
		return schemas.StagingItem{}, schemas.NewStateError(
			"staging item %q is already %s", id, item.Status)
	}

	item.Status = to
	item.ReviewedBy = reviewedBy
	item.ReviewedAt = time.Now().UTC()
	item.ReviewNotes = notes
	s.items[id] = item

	s.log.Debug("Staging item transitioned.",
		zap.String("item_id", id), zap.String("status", string(to)))
	return item, nil
}
