package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fieldsync/internal/models"
)

const (
	metaLastSync      = "last_sync_timestamp"
	metaLastPush      = "last_push_timestamp"
	metaDeltaCounters = "delta_counters"
	metaLastUser      = "last_known_user_id"
)

// LoadMetadata reads the persisted sync metadata. Missing keys yield zero
// values, so a fresh store returns an empty record.
func (db *DB) LoadMetadata(ctx context.Context) (*models.SyncMetadata, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync metadata: %w", err)
	}
	defer rows.Close()

	meta := &models.SyncMetadata{DeltaCounters: make(map[string]int64)}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
		}

		switch key {
		case metaLastSync:
			meta.LastSyncTimestamp, err = strconv.ParseInt(value, 10, 64)
		case metaLastPush:
			meta.LastPushTimestamp, err = strconv.ParseInt(value, 10, 64)
		case metaDeltaCounters:
			err = json.Unmarshal([]byte(value), &meta.DeltaCounters)
		case metaLastUser:
			meta.LastKnownUserID = value
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode sync metadata %q: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync metadata: %w", err)
	}
	if meta.DeltaCounters == nil {
		meta.DeltaCounters = make(map[string]int64)
	}
	return meta, nil
}

// SetLastSyncTimestamp stores the timestamp sent with the next delta check.
func (db *DB) SetLastSyncTimestamp(ctx context.Context, ts int64) error {
	return db.setMetadata(ctx, metaLastSync, strconv.FormatInt(ts, 10))
}

// SetLastPushTimestamp stores when the queue was last fully replayed.
func (db *DB) SetLastPushTimestamp(ctx context.Context, ts int64) error {
	return db.setMetadata(ctx, metaLastPush, strconv.FormatInt(ts, 10))
}

// SetDeltaCounters replaces the stored per-entity delta counters.
func (db *DB) SetDeltaCounters(ctx context.Context, counters map[string]int64) error {
	if counters == nil {
		counters = map[string]int64{}
	}
	data, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("encode delta counters: %w", err)
	}
	return db.setMetadata(ctx, metaDeltaCounters, string(data))
}

// DeltaCounter returns the last delta counter received for entityType.
func (db *DB) DeltaCounter(ctx context.Context, entityType string) (int64, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, metaDeltaCounters).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read delta counters: %w", err)
	}

	counters := make(map[string]int64)
	if err := json.Unmarshal([]byte(raw), &counters); err != nil {
		return 0, fmt.Errorf("failed to decode delta counters: %w", err)
	}
	return counters[entityType], nil
}

// SetLastKnownUserID stores the user seen by the last poll.
func (db *DB) SetLastKnownUserID(ctx context.Context, userID string) error {
	return db.setMetadata(ctx, metaLastUser, userID)
}

func (db *DB) setMetadata(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to store sync metadata %q: %w", key, err)
	}
	return nil
}
