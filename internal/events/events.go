package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventOperationQueued  = "operation_queued"
	EventOperationSynced  = "operation_synced"
	EventOperationFailed  = "operation_failed"
	EventOperationStalled = "operation_stalled"
	EventUserChanged      = "user_changed"
	EventRemoteUpdates    = "remote_updates"
)

// OperationEventPayload describes a queued operation for outbox observers.
type OperationEventPayload struct {
	OperationID int64           `json:"operation_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"kind"`
	OwnerUserID string          `json:"owner_user_id"`
	RetryCount  int             `json:"retry_count"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Conflict    json.RawMessage `json:"conflict_details,omitempty"`
}

// UserChangedPayload is published when another user signs in on the device.
type UserChangedPayload struct {
	PreviousUserID string `json:"previous_user_id"`
	CurrentUserID  string `json:"current_user_id"`
}

// RemoteUpdatesPayload carries the counters returned by a delta check.
type RemoteUpdatesPayload struct {
	DeltaCounters map[string]int64 `json:"delta_counters"`
	ServerTime    int64            `json:"server_time"`
}

// Event represents a lightweight outbox event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; subscribers must not block the sync pass.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
