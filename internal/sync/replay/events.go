package replay

import "github.com/careunity/careunity/backend/internal/models"

// EventType names a replay notification.
type EventType string

const (
	EventReplayStarted      EventType = "sync.replay_started"
	EventReplayFinished     EventType = "sync.replay_finished"
	EventOperationCompleted EventType = "sync.completed"
	EventOperationFailed    EventType = "sync.failed"
	EventOperationBlocked   EventType = "sync.blocked"
	EventOperationRequeued  EventType = "sync.requeued"
)

// Event is one replay notification. Operation is set for per-operation
// events, Result for EventReplayFinished.
type Event struct {
	Type      EventType             `json:"type"`
	Time      int64                 `json:"time"`
	Operation *models.SyncOperation `json:"operation,omitempty"`
	Count     int                   `json:"count,omitempty"`
	Result    *Result               `json:"result,omitempty"`
}

// EventSink receives replay events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }
