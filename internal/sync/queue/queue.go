// Package queue records mutations made while offline and manages their
// lifecycle: pending, processing, then completed or error.
package queue

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/models"
	"github.com/careunity/careunity/backend/internal/uuid"
)

// DefaultMaxBatchSize bounds SubmitBatch when Config leaves it unset.
const DefaultMaxBatchSize = 100

// Config tunes a Service.
type Config struct {
	MaxBatchSize int
	// Upstream is the base URL operations are replayed against. Absolute
	// operation URLs must be on its origin; when empty only paths are
	// accepted.
	Upstream string
}

// Service validates and persists sync operations.
type Service struct {
	store    Store
	cfg      Config
	upstream *url.URL
	logger   *logging.Logger
	now      func() time.Time
}

// NewService creates a Service over store. A nil logger discards output.
func NewService(store Store, cfg Config, logger *logging.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	var upstream *url.URL
	if u, err := url.Parse(cfg.Upstream); err == nil && u.IsAbs() && u.Host != "" {
		upstream = u
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		upstream: upstream,
		logger:   logger.With(map[string]interface{}{"component": "sync_queue"}),
		now:      time.Now,
	}
}

// Create validates in and stores it as a new pending operation.
func (s *Service) Create(ctx context.Context, in models.CreateSyncOperation) (*models.SyncOperation, error) {
	if err := validateCreate(in, s.upstream); err != nil {
		return nil, err
	}
	exists, err := s.store.UserExists(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		verr := &errors.ValidationError{}
		verr.Add("userId", fmt.Sprintf("user %d does not exist", in.UserID))
		return nil, verr
	}

	now := s.now().UnixMilli()
	op := &models.SyncOperation{
		ID:         models.UUID(uuid.New()),
		URL:        in.URL,
		Method:     in.Method,
		Body:       in.Body,
		Headers:    in.Headers,
		Timestamp:  now,
		Retries:    0,
		Status:     models.StatusPending,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		UserID:     in.UserID,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSyncOperation(ctx, op); err != nil {
		s.logger.Error("Failed to store sync operation", err, map[string]interface{}{"user_id": in.UserID})
		return nil, err
	}

	s.logger.Debug("Queued sync operation", map[string]interface{}{
		"id":     op.ID.String(),
		"method": string(op.Method),
		"url":    op.URL,
	})
	return op, nil
}

// SubmitBatch creates each operation independently and returns one
// response per input, in input order. A rejected member is reported with
// status error and does not affect the others.
func (s *Service) SubmitBatch(ctx context.Context, req models.BatchSyncRequest) (*models.BatchSyncResponse, error) {
	if len(req.Operations) == 0 {
		verr := &errors.ValidationError{}
		verr.Add("operations", "must contain at least one operation")
		return nil, verr
	}
	if len(req.Operations) > s.cfg.MaxBatchSize {
		verr := &errors.ValidationError{}
		verr.Add("operations", fmt.Sprintf("at most %d operations per batch", s.cfg.MaxBatchSize))
		return nil, verr
	}

	resp := &models.BatchSyncResponse{
		Operations: make([]models.SyncOperationResponse, len(req.Operations)),
	}
	rejected := 0
	for i, in := range req.Operations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, err := s.Create(ctx, in)
		if err != nil {
			rejected++
			resp.Operations[i] = models.SyncOperationResponse{Status: models.StatusError, Error: err.Error()}
			continue
		}
		resp.Operations[i] = op.Response()
	}

	s.logger.Info("Processed sync batch", map[string]interface{}{
		"size":     len(req.Operations),
		"rejected": rejected,
	})
	return resp, nil
}

// UpdateStatus applies an allowed status transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, upd models.UpdateSyncOperation) (*models.SyncOperation, error) {
	verr := &errors.ValidationError{}
	if !upd.Status.Valid() {
		verr.Add("status", fmt.Sprintf("unknown status %q", upd.Status))
	}
	if upd.Status == models.StatusError && (upd.ErrorMessage == nil || *upd.ErrorMessage == "") {
		verr.Add("errorMessage", "required when status is error")
	}
	if upd.Retries != nil && *upd.Retries < 0 {
		verr.Add("retries", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	op, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	retries := op.Retries
	if upd.Retries != nil {
		if *upd.Retries < op.Retries {
			verr.Add("retries", fmt.Sprintf("cannot decrease from %d", op.Retries))
			return nil, verr
		}
		retries = *upd.Retries
	}
	return s.transition(ctx, op, upd.Status, upd.ErrorMessage, retries)
}

// transition moves op to next with compare-and-set on its current status.
func (s *Service) transition(ctx context.Context, op *models.SyncOperation, next models.OperationStatus, errMsg *string, retries int) (*models.SyncOperation, error) {
	from := op.Status
	if !from.CanTransitionTo(next) {
		return nil, errors.New(errors.ErrInvalidTransition,
			fmt.Sprintf("cannot move sync operation %s from %s to %s", op.ID, from, next))
	}

	updated := *op
	op = &updated
	op.Status = next
	op.Retries = retries
	op.ErrorMessage = nil
	if next == models.StatusError {
		op.ErrorMessage = errMsg
	}

	ok, err := s.store.CompareAndSetStatus(ctx, op, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ErrInvalidTransition,
			fmt.Sprintf("sync operation %s is no longer %s", op.ID, from))
	}

	s.logger.Debug("Sync operation transitioned", map[string]interface{}{
		"id":   op.ID.String(),
		"from": string(from),
		"to":   string(next),
	})
	return op, nil
}

// MarkCompleted records a successful delivery of a processing operation.
func (s *Service) MarkCompleted(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	return s.transition(ctx, op, models.StatusCompleted, nil, op.Retries)
}

// MarkFailed records a failed delivery and counts it as a retry.
func (s *Service) MarkFailed(ctx context.Context, op *models.SyncOperation, cause error) (*models.SyncOperation, error) {
	msg := cause.Error()
	return s.transition(ctx, op, models.StatusError, &msg, op.Retries+1)
}

// MarkBlocked parks a processing operation in error without counting a
// retry. Replay uses it when an older operation on the same entity has not
// finished yet.
func (s *Service) MarkBlocked(ctx context.Context, op *models.SyncOperation, reason string) (*models.SyncOperation, error) {
	return s.transition(ctx, op, models.StatusError, &reason, op.Retries)
}

// Requeue moves an operation in error back to pending, keeping its retry
// count so back-off and MaxRetries still apply.
func (s *Service) Requeue(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	return s.transition(ctx, op, models.StatusPending, nil, op.Retries)
}

// Retry is the manual retry of a failed operation. It resets the retry
// count, giving the operation a fresh budget.
func (s *Service) Retry(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	op, err = s.transition(ctx, op, models.StatusPending, nil, 0)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Sync operation reset for retry", map[string]interface{}{"id": id})
	return op, nil
}

// RetryAllFailed resets every failed operation of userID (all users when
// userID is 0) and returns how many were reset.
func (s *Service) RetryAllFailed(ctx context.Context, userID int64) (int, error) {
	ops, err := s.store.ListSyncOperations(ctx, models.SyncOperationFilter{
		UserID: userID,
		Status: models.StatusError,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, op := range ops {
		if _, err := s.transition(ctx, op, models.StatusPending, nil, 0); err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				continue
			}
			return count, err
		}
		count++
	}
	if count > 0 {
		s.logger.Info("Reset failed sync operations for retry", map[string]interface{}{
			"count":   count,
			"user_id": userID,
		})
	}
	return count, nil
}

// Get returns one operation.
func (s *Service) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	return s.lookup(ctx, id)
}

// List returns operations matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter models.SyncOperationFilter) ([]*models.SyncOperation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		verr := &errors.ValidationError{}
		verr.Add("status", fmt.Sprintf("unknown status %q", filter.Status))
		return nil, verr
	}
	return s.store.ListSyncOperations(ctx, filter)
}

// Delete removes an operation. Processing operations cannot be removed
// while a replay owns them.
func (s *Service) Delete(ctx context.Context, id string) error {
	op, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == models.StatusProcessing {
		return errors.New(errors.ErrSyncInProgress, fmt.Sprintf("sync operation %s is being replayed", id))
	}
	return s.store.DeleteSyncOperation(ctx, op.ID.String())
}

// lookup loads the operation named by id, accepting any letter case. A
// malformed id is reported as not found.
func (s *Service) lookup(ctx context.Context, id string) (*models.SyncOperation, error) {
	canonical, err := uuid.Normalize(id)
	if err != nil {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("sync operation %q not found", id))
	}
	return s.store.GetSyncOperation(ctx, canonical)
}

// Status returns the aggregate sync state for a user.
func (s *Service) Status(ctx context.Context, userID int64) (*models.SyncStatus, error) {
	if userID <= 0 {
		verr := &errors.ValidationError{}
		verr.Add("userId", "must be a positive integer")
		return nil, verr
	}
	return s.store.GetSyncStatus(ctx, userID)
}

// Stats counts operations per status across all users.
func (s *Service) Stats(ctx context.Context) (map[models.OperationStatus]int64, error) {
	return s.store.CountByStatus(ctx)
}

// PendingForEntity lists unfinished operations targeting one entity,
// oldest first.
func (s *Service) PendingForEntity(ctx context.Context, entityType, entityID string) ([]*models.SyncOperation, error) {
	return s.store.PendingForEntity(ctx, entityType, entityID)
}

// ClaimPending moves up to limit pending operations to processing.
func (s *Service) ClaimPending(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	return s.store.ClaimPending(ctx, limit)
}

// ListRetryable lists failed operations with retries left.
func (s *Service) ListRetryable(ctx context.Context, maxRetries int) ([]*models.SyncOperation, error) {
	return s.store.ListRetryable(ctx, maxRetries)
}

// Purge deletes completed operations last updated more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	n, err := s.store.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Purged completed sync operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Backoff returns how long a failed operation waits before it is requeued:
// 2^retries * base, capped at ceiling.
func Backoff(retries int, base, ceiling time.Duration) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries >= 32 {
		return ceiling
	}
	d := base * time.Duration(int64(1)<<uint(retries))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
