package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueuedOperation is a mutation recorded locally and replayed against the
// remote system once connectivity allows.
type QueuedOperation struct {
	ID          int64           `json:"id"`
	EntityID    string          `json:"entity_id"`
	EntityType  string          `json:"entity_type"`
	Subtype     string          `json:"subtype,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	OwnerUserID string          `json:"owner_user_id"`
	Status      string          `json:"status"`
	LastFailure *Failure        `json:"last_failure,omitempty"`
}

// IsStalled reports whether the operation exceeded the retry ceiling and
// waits for a manual retry.
func (op *QueuedOperation) IsStalled() bool {
	return op.Status == OperationStalled
}

// Failure is the structured detail of the last failed replay attempt.
type Failure struct {
	Code            string          `json:"code"`
	Message         string          `json:"message"`
	ObservedAt      time.Time       `json:"observed_at"`
	ConflictDetails json.RawMessage `json:"conflict_details,omitempty"`
}

// SyncError is returned by entity handlers to report a failure with a code
// and an optional conflict payload that is stored verbatim.
type SyncError struct {
	Code            string          `json:"code"`
	Message         string          `json:"message"`
	ConflictDetails json.RawMessage `json:"conflict_details,omitempty"`
}

func (e *SyncError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewLocalID returns an identifier for an entity created on the device and
// not yet known to the remote system.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was produced by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
