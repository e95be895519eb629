package domain

import (
	"context"
	"errors"

	"fieldsync/internal/models"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// QueueStore is the durable store of queued operations.
type QueueStore interface {
	AppendOperation(ctx context.Context, op *models.QueuedOperation) error
	ListOperations(ctx context.Context, filter models.QueueFilter) ([]models.QueuedOperation, error)
	GetOperation(ctx context.Context, id int64) (*models.QueuedOperation, error)
	FindPendingCreate(ctx context.Context, ownerUserID, entityType, entityID string) (*models.QueuedOperation, error)
	RecordFailure(ctx context.Context, id int64, failure models.Failure, maxRetries int) (*models.QueuedOperation, error)
	MergePayload(ctx context.Context, id int64, payload []byte) error
	RequeueOperation(ctx context.Context, id int64) error
	DeleteOperation(ctx context.Context, id int64) error
	CompleteOperation(ctx context.Context, op *models.QueuedOperation) (bool, error)
	CountByOwner(ctx context.Context) (map[string]int, error)
}

// MetadataStore persists SyncMetadata.
type MetadataStore interface {
	LoadMetadata(ctx context.Context) (*models.SyncMetadata, error)
	SetLastSyncTimestamp(ctx context.Context, ts int64) error
	SetLastPushTimestamp(ctx context.Context, ts int64) error
	SetDeltaCounters(ctx context.Context, counters map[string]int64) error
	SetLastKnownUserID(ctx context.Context, userID string) error
}

// SessionRepository stores the device session published by the auth layer.
type SessionRepository interface {
	GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error)
	SetSession(ctx context.Context, session *models.DeviceSession) error
	ClearSession(ctx context.Context, deviceID string) error
}

// SessionProvider answers who is signed in on this device.
type SessionProvider interface {
	CurrentSession(ctx context.Context) (*models.DeviceSession, error)
}

// Connectivity reports whether the device can reach the remote system.
type Connectivity interface {
	Online() bool
}

// DeltaChecker asks the remote system what changed since a timestamp.
type DeltaChecker interface {
	CheckDeltas(ctx context.Context, since int64) (*models.DeltaResponse, error)
}

// Resyncer runs the full post-login synchronization.
type Resyncer interface {
	RunPostLoginSync(ctx context.Context) error
}

// DeadLetterSink keeps a copy of operations that stalled. Remove drops the
// copy once the operation is requeued or discarded.
type DeadLetterSink interface {
	Push(ctx context.Context, op *models.QueuedOperation) error
	Remove(ctx context.Context, id int64) error
}

// SyncTrigger requests a replay pass of the outbox.
type SyncTrigger interface {
	TriggerSync(ctx context.Context) bool
}

// EventPublisher is the observer side of the event bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
