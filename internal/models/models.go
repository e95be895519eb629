package models

import "time"

// SyncMetadata is the process-wide synchronization state persisted between
// sessions.
type SyncMetadata struct {
	LastSyncTimestamp int64            `json:"last_sync_timestamp"`
	LastPushTimestamp int64            `json:"last_push_timestamp"`
	DeltaCounters     map[string]int64 `json:"delta_counters"`
	LastKnownUserID   string           `json:"last_known_user_id"`
}

// DeltaCounter returns the stored counter for an entity type, zero if unknown.
func (m *SyncMetadata) DeltaCounter(entityType string) int64 {
	if m == nil || m.DeltaCounters == nil {
		return 0
	}
	return m.DeltaCounters[entityType]
}

// DeltaResponse is the answer of the remote "what changed since" endpoint.
type DeltaResponse struct {
	HasUpdates    bool             `json:"hasUpdates"`
	DeltaCounters map[string]int64 `json:"perEntityDeltaCounters"`
	ServerTime    int64            `json:"serverTime"`
}

// DeviceSession describes who is signed in on the device and whether the
// local lock is open.
type DeviceSession struct {
	DeviceID      string    `json:"device_id"`
	UserID        string    `json:"user_id"`
	Authenticated bool      `json:"authenticated"`
	Unlocked      bool      `json:"unlocked"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the session allows talking to the remote system.
func (s *DeviceSession) Active() bool {
	return s != nil && s.Authenticated && s.Unlocked && s.UserID != ""
}

// QueueFilter narrows queue reads.
type QueueFilter struct {
	OwnerUserID    string
	EntityType     string
	IncludeStalled bool
}
