// Package db provides repository interfaces for CareUnity data models.
package db

import (
	"context"

	"github.com/careunity/careunity/backend/internal/models"
)

// UserRepository defines operations for user persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UserExists(ctx context.Context, id int64) (bool, error)
}

// SyncOperationRepository defines operations for sync operation persistence.
// This interface allows mocking for testing.
type SyncOperationRepository interface {
	// CreateSyncOperation inserts a fully populated operation.
	CreateSyncOperation(ctx context.Context, op *models.SyncOperation) error

	// GetSyncOperation returns NOT_FOUND when id is unknown.
	GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error)

	ListSyncOperations(ctx context.Context, filter models.SyncOperationFilter) ([]*models.SyncOperation, error)

	// CompareAndSetStatus persists op only if its stored status equals from.
	CompareAndSetStatus(ctx context.Context, op *models.SyncOperation, from models.OperationStatus) (bool, error)

	ClaimPending(ctx context.Context, limit int) ([]*models.SyncOperation, error)
	ListRetryable(ctx context.Context, maxRetries int) ([]*models.SyncOperation, error)
	PendingForEntity(ctx context.Context, entityType, entityID string) ([]*models.SyncOperation, error)
	DeleteSyncOperation(ctx context.Context, id string) error
	PurgeCompleted(ctx context.Context, cutoff int64) (int64, error)
	GetSyncStatus(ctx context.Context, userID int64) (*models.SyncStatus, error)
	CountByStatus(ctx context.Context) (map[models.OperationStatus]int64, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ UserRepository          = (*Repository)(nil)
	_ SyncOperationRepository = (*Repository)(nil)
)
