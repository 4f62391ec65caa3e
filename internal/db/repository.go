package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/models"
)

// Repository provides persistence for users and sync operations.
type Repository struct {
	db *sql.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have won the race; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// User Operations
// =====================================================

// CreateUser inserts a user and returns it with its assigned id.
func (r *Repository) CreateUser(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{Username: username, CreatedAt: time.Now().UnixMilli()}
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO users (username, created_at) VALUES (?, ?)", user.Username, user.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to create user", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read user id", err)
	}
	return user, nil
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT id, username, created_at FROM users WHERE id = ?")
	if err != nil {
		return nil, err
	}
	var user models.User
	err = stmt.QueryRowContext(ctx, id).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("user %d not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get user", err)
	}
	return &user, nil
}

// UserExists reports whether a user with id exists.
func (r *Repository) UserExists(ctx context.Context, id int64) (bool, error) {
	_, err := r.GetUser(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// =====================================================
// SyncOperation Operations
// =====================================================

const syncOperationColumns = `id, url, method, body, headers, timestamp, retries, status,
	error_message, entity_type, entity_id, user_id, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var method, status string
	var body, errorMessage, entityType, entityID sql.NullString

	err := row.Scan(
		&op.ID, &op.URL, &method, &body, &op.Headers, &op.Timestamp, &op.Retries, &status,
		&errorMessage, &entityType, &entityID, &op.UserID, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Method = models.HTTPMethod(method)
	op.Status = models.OperationStatus(status)
	op.Body = nullableString(body)
	op.ErrorMessage = nullableString(errorMessage)
	op.EntityType = nullableString(entityType)
	op.EntityID = nullableString(entityID)
	return &op, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// CreateSyncOperation inserts op as given; callers assign id, timestamp
// and status.
func (r *Repository) CreateSyncOperation(ctx context.Context, op *models.SyncOperation) error {
	if op.UpdatedAt == 0 {
		op.UpdatedAt = op.Timestamp
	}
	query := `
	INSERT INTO sync_operations (` + syncOperationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		op.ID, op.URL, string(op.Method), op.Body, op.Headers, op.Timestamp, op.Retries,
		string(op.Status), op.ErrorMessage, op.EntityType, op.EntityID, op.UserID, op.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create sync operation", err)
	}
	return nil
}

// GetSyncOperation retrieves a sync operation by id.
func (r *Repository) GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+syncOperationColumns+" FROM sync_operations WHERE id = ?")
	if err != nil {
		return nil, err
	}
	op, err := scanSyncOperation(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("sync operation %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get sync operation", err)
	}
	return op, nil
}

// ListSyncOperations returns operations matching filter, oldest first.
func (r *Repository) ListSyncOperations(ctx context.Context, filter models.SyncOperationFilter) ([]*models.SyncOperation, error) {
	var where []string
	var args []interface{}

	if filter.UserID > 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT " + syncOperationColumns + " FROM sync_operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return r.querySyncOperations(ctx, query, args...)
}

func (r *Repository) querySyncOperations(ctx context.Context, query string, args ...interface{}) ([]*models.SyncOperation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query sync operations", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanSyncOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan sync operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate sync operations", err)
	}
	return ops, nil
}

// CompareAndSetStatus writes op's status, error message and retries only if
// the stored status still equals from. It reports whether the row changed.
func (r *Repository) CompareAndSetStatus(ctx context.Context, op *models.SyncOperation, from models.OperationStatus) (bool, error) {
	op.UpdatedAt = time.Now().UnixMilli()
	stmt, err := r.PrepareStmt(ctx, `
	UPDATE sync_operations
	SET status = ?, error_message = ?, retries = ?, updated_at = ?
	WHERE id = ? AND status = ?
	`)
	if err != nil {
		return false, err
	}
	res, err := stmt.ExecContext(ctx, string(op.Status), op.ErrorMessage, op.Retries, op.UpdatedAt, op.ID, string(from))
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to update sync operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to read affected rows", err)
	}
	return n == 1, nil
}

// ClaimPending atomically moves up to limit pending operations to
// processing and returns them oldest first.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	query := `
	UPDATE sync_operations
	SET status = 'processing', updated_at = ?
	WHERE id IN (
		SELECT id FROM sync_operations
		WHERE status = 'pending'
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	)
	RETURNING ` + syncOperationColumns

	ops, err := r.querySyncOperations(ctx, query, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
	return ops, nil
}

// ListRetryable returns operations in error whose retries are below maxRetries.
func (r *Repository) ListRetryable(ctx context.Context, maxRetries int) ([]*models.SyncOperation, error) {
	query := "SELECT " + syncOperationColumns + ` FROM sync_operations
	WHERE status = 'error' AND retries < ?
	ORDER BY timestamp ASC, id ASC`
	return r.querySyncOperations(ctx, query, maxRetries)
}

// PendingForEntity lists non-completed operations targeting one entity,
// oldest first.
func (r *Repository) PendingForEntity(ctx context.Context, entityType, entityID string) ([]*models.SyncOperation, error) {
	query := "SELECT " + syncOperationColumns + ` FROM sync_operations
	WHERE entity_type = ? AND entity_id = ? AND status != 'completed'
	ORDER BY timestamp ASC, id ASC`
	return r.querySyncOperations(ctx, query, entityType, entityID)
}

// DeleteSyncOperation removes a sync operation.
func (r *Repository) DeleteSyncOperation(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sync_operations WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete sync operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to read affected rows", err)
	}
	if n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("sync operation %s not found", id))
	}
	return nil
}

// PurgeCompleted deletes completed operations last updated before cutoff
// (epoch ms) and returns how many were removed.
func (r *Repository) PurgeCompleted(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM sync_operations WHERE status = 'completed' AND updated_at < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to purge sync operations", err)
	}
	return res.RowsAffected()
}

// GetSyncStatus aggregates the pending/error counts and the latest
// completion time for one user.
func (r *Repository) GetSyncStatus(ctx context.Context, userID int64) (*models.SyncStatus, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		MAX(CASE WHEN status = 'completed' THEN updated_at END)
	FROM sync_operations WHERE user_id = ?
	`)
	if err != nil {
		return nil, err
	}

	var status models.SyncStatus
	var last sql.NullInt64
	if err := stmt.QueryRowContext(ctx, userID).Scan(&status.PendingCount, &status.ErrorCount, &last); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to compute sync status", err)
	}
	if last.Valid {
		v := last.Int64
		status.LastSyncTime = &v
	}
	return &status, nil
}

// CountByStatus returns the number of operations in each status.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.OperationStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_operations GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to count sync operations", err)
	}
	defer rows.Close()

	counts := map[models.OperationStatus]int64{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusError:      0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan status count", err)
		}
		counts[models.OperationStatus(status)] = n
	}
	return counts, rows.Err()
}
