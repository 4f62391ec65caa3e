package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/careunity/careunity/backend/internal/db"
	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/models"
)

// Store persists sync operations. *db.Repository is the production
// implementation; MemoryStore backs unit tests.
type Store interface {
	UserExists(ctx context.Context, id int64) (bool, error)
	db.SyncOperationRepository
}

var (
	_ Store = (*db.Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore keeps operations in a map guarded by a RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[models.UUID]*models.SyncOperation
	users map[int64]bool
}

// NewMemoryStore creates an empty store that accepts operations for the
// given user ids.
func NewMemoryStore(userIDs ...int64) *MemoryStore {
	s := &MemoryStore{
		items: make(map[models.UUID]*models.SyncOperation),
		users: make(map[int64]bool),
	}
	for _, id := range userIDs {
		s.users[id] = true
	}
	return s
}

// AddUser registers a user id.
func (s *MemoryStore) AddUser(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = true
}

func (s *MemoryStore) UserExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id], nil
}

func (s *MemoryStore) CreateSyncOperation(_ context.Context, op *models.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.users[op.UserID] {
		return errors.New(errors.ErrDatabase, fmt.Sprintf("user %d does not exist", op.UserID))
	}
	if _, ok := s.items[op.ID]; ok {
		return errors.New(errors.ErrDatabase, fmt.Sprintf("sync operation %s already exists", op.ID))
	}
	if op.UpdatedAt == 0 {
		op.UpdatedAt = op.Timestamp
	}
	copy := *op
	s.items[op.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSyncOperation(_ context.Context, id string) (*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[models.UUID(id)]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("sync operation %s not found", id))
	}
	copy := *item
	return &copy, nil
}

// sorted returns copies of the items accepted by keep, oldest first.
func (s *MemoryStore) sorted(keep func(*models.SyncOperation) bool) []*models.SyncOperation {
	var ops []*models.SyncOperation
	for _, item := range s.items {
		if keep(item) {
			copy := *item
			ops = append(ops, &copy)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

func (s *MemoryStore) ListSyncOperations(_ context.Context, filter models.SyncOperationFilter) ([]*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := s.sorted(func(op *models.SyncOperation) bool {
		if filter.UserID > 0 && op.UserID != filter.UserID {
			return false
		}
		if filter.Status != "" && op.Status != filter.Status {
			return false
		}
		if filter.EntityType != "" && (op.EntityType == nil || *op.EntityType != filter.EntityType) {
			return false
		}
		if filter.EntityID != "" && (op.EntityID == nil || *op.EntityID != filter.EntityID) {
			return false
		}
		return true
	})
	if filter.Limit > 0 && len(ops) > filter.Limit {
		ops = ops[:filter.Limit]
	}
	return ops, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, op *models.SyncOperation, from models.OperationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[op.ID]
	if !ok || item.Status != from {
		return false, nil
	}
	op.UpdatedAt = time.Now().UnixMilli()
	item.Status = op.Status
	item.ErrorMessage = op.ErrorMessage
	item.Retries = op.Retries
	item.UpdatedAt = op.UpdatedAt
	return true, nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int) ([]*models.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.sorted(func(op *models.SyncOperation) bool {
		return op.Status == models.StatusPending
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	now := time.Now().UnixMilli()
	for _, op := range ops {
		item := s.items[op.ID]
		item.Status = models.StatusProcessing
		item.UpdatedAt = now
		op.Status = item.Status
		op.UpdatedAt = now
	}
	return ops, nil
}

func (s *MemoryStore) ListRetryable(_ context.Context, maxRetries int) ([]*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(op *models.SyncOperation) bool {
		return op.Status == models.StatusError && op.Retries < maxRetries
	}), nil
}

func (s *MemoryStore) PendingForEntity(_ context.Context, entityType, entityID string) ([]*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(op *models.SyncOperation) bool {
		return op.EntityType != nil && *op.EntityType == entityType &&
			op.EntityID != nil && *op.EntityID == entityID &&
			op.Status != models.StatusCompleted
	}), nil
}

func (s *MemoryStore) DeleteSyncOperation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[models.UUID(id)]; !ok {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("sync operation %s not found", id))
	}
	delete(s.items, models.UUID(id))
	return nil
}

func (s *MemoryStore) PurgeCompleted(_ context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, item := range s.items {
		if item.Status == models.StatusCompleted && item.UpdatedAt < cutoff {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetSyncStatus(_ context.Context, userID int64) (*models.SyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &models.SyncStatus{}
	for _, item := range s.items {
		if item.UserID != userID {
			continue
		}
		switch item.Status {
		case models.StatusPending:
			status.PendingCount++
		case models.StatusError:
			status.ErrorCount++
		case models.StatusCompleted:
			if status.LastSyncTime == nil || item.UpdatedAt > *status.LastSyncTime {
				t := item.UpdatedAt
				status.LastSyncTime = &t
			}
		}
	}
	return status, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.OperationStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[models.OperationStatus]int64{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusError:      0,
	}
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// Size returns the number of stored operations.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
