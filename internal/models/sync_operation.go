package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// HTTPMethod is the verb of a deferred request.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// AllowedMethods lists the methods a sync operation may carry, in display order.
var AllowedMethods = []HTTPMethod{MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete}

// Valid reports whether m is one of AllowedMethods.
func (m HTTPMethod) Valid() bool {
	for _, allowed := range AllowedMethods {
		if m == allowed {
			return true
		}
	}
	return false
}

// OperationStatus is the lifecycle state of a sync operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusError      OperationStatus = "error"
)

// transitions holds every allowed status change. error -> pending is the
// manual retry path.
var transitions = map[OperationStatus][]OperationStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusError},
	StatusError:      {StatusPending},
}

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted
}

// Headers is a header-name to value map stored as JSON text.
type Headers map[string]string

// Value implements driver.Valuer for Headers.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	data, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for Headers.
func (h *Headers) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*h = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Headers", value)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode headers: %w", err)
	}
	*h = m
	return nil
}

// SyncOperation is a mutation recorded while offline and replayed later.
type SyncOperation struct {
	ID           UUID            `db:"id" json:"id"`
	URL          string          `db:"url" json:"url"`
	Method       HTTPMethod      `db:"method" json:"method"`
	Body         *string         `db:"body" json:"body,omitempty"`
	Headers      Headers         `db:"headers" json:"headers,omitempty"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"` // epoch milliseconds
	Retries      int             `db:"retries" json:"retries"`
	Status       OperationStatus `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"errorMessage,omitempty"`
	EntityType   *string         `db:"entity_type" json:"entityType,omitempty"`
	EntityID     *string         `db:"entity_id" json:"entityId,omitempty"`
	UserID       int64           `db:"user_id" json:"userId"`
	UpdatedAt    int64           `db:"updated_at" json:"updatedAt"` // epoch milliseconds
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// CreatedAt returns the Timestamp as time.Time.
func (o *SyncOperation) CreatedAt() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// EntityKey identifies the domain object the operation targets, or "" when
// the operation is not linked to one.
func (o *SyncOperation) EntityKey() string {
	if o.EntityType == nil || o.EntityID == nil {
		return ""
	}
	return *o.EntityType + "/" + *o.EntityID
}

// Response returns the acknowledgement for o.
func (o *SyncOperation) Response() SyncOperationResponse {
	return SyncOperationResponse{ID: o.ID, Status: o.Status}
}

// SyncStatus is the per-user aggregate shown by clients.
type SyncStatus struct {
	PendingCount int64  `json:"pendingCount"`
	ErrorCount   int64  `json:"errorCount"`
	LastSyncTime *int64 `json:"lastSyncTime"` // epoch ms of the newest completed operation
}

// CreateSyncOperation is the input for recording a deferred request.
type CreateSyncOperation struct {
	URL        string     `json:"url"`
	Method     HTTPMethod `json:"method"`
	Body       *string    `json:"body,omitempty"`
	Headers    Headers    `json:"headers,omitempty"`
	EntityType *string    `json:"entityType,omitempty"`
	EntityID   *string    `json:"entityId,omitempty"`
	UserID     int64      `json:"userId"`
}

// UpdateSyncOperation changes the status of an existing operation.
type UpdateSyncOperation struct {
	Status       OperationStatus `json:"status"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Retries      *int            `json:"retries,omitempty"`
}

// SyncOperationResponse acknowledges one created operation. Error is set
// only for rejected batch members.
type SyncOperationResponse struct {
	ID     UUID            `json:"id"`
	Status OperationStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// BatchSyncRequest submits several operations at once.
type BatchSyncRequest struct {
	Operations []CreateSyncOperation `json:"operations"`
}

// BatchSyncResponse holds one response per submitted operation, in order.
type BatchSyncResponse struct {
	Operations []SyncOperationResponse `json:"operations"`
}

// SyncOperationFilter narrows List queries. Zero values mean "any".
type SyncOperationFilter struct {
	UserID     int64
	Status     OperationStatus
	EntityType string
	EntityID   string
	Limit      int
}
