package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StorePulled upserts entities pulled from the remote system. Each item must
// be a JSON object carrying an "id" field; items without one are skipped.
func (db *DB) StorePulled(ctx context.Context, entityType string, items []json.RawMessage, serverTime int64) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO entity_cache (entity_type, entity_id, data, server_time, updated_at) VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(entity_type, entity_id) DO UPDATE SET data = excluded.data, server_time = excluded.server_time, updated_at = excluded.updated_at`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare entity upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	stored := 0
	for _, item := range items {
		id, err := entityID(item)
		if err != nil {
			db.logger.Warn().Err(err).Str("entity_type", entityType).Msg("skipping pulled entity")
			continue
		}
		if _, err := stmt.ExecContext(ctx, entityType, id, string(item), serverTime, now); err != nil {
			return 0, fmt.Errorf("failed to store %s %s: %w", entityType, id, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pulled entities: %w", err)
	}
	return stored, nil
}

// CachedEntity returns the stored JSON of one entity.
func (db *DB) CachedEntity(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM entity_cache WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached entity: %w", err)
	}
	return json.RawMessage(data), nil
}

// CountCached returns the number of cached entities of a type.
func (db *DB) CountCached(ctx context.Context, entityType string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_cache WHERE entity_type = ?`, entityType).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cached entities: %w", err)
	}
	return n, nil
}

// RemoveCached deletes a cached entity. Removing a missing entity is not an
// error.
func (db *DB) RemoveCached(ctx context.Context, entityType, entityID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM entity_cache WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return fmt.Errorf("failed to remove cached entity: %w", err)
	}
	return nil
}

// RelinkCached moves a cached entity from its local id to the id assigned by
// the remote system.
func (db *DB) RelinkCached(ctx context.Context, entityType, localID, remoteID string) error {
	query := `UPDATE OR REPLACE entity_cache SET entity_id = ?, updated_at = ? WHERE entity_type = ? AND entity_id = ?`
	if _, err := db.ExecContext(ctx, query, remoteID, time.Now().UnixMilli(), entityType, localID); err != nil {
		return fmt.Errorf("failed to relink cached entity: %w", err)
	}
	return nil
}

func entityID(item json.RawMessage) (string, error) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &head); err != nil {
		return "", fmt.Errorf("decode entity: %w", err)
	}
	if len(head.ID) == 0 || string(head.ID) == "null" {
		return "", errors.New("entity has no id")
	}
	var s string
	if err := json.Unmarshal(head.ID, &s); err == nil {
		return s, nil
	}
	return string(head.ID), nil
}

// ClearCached drops every cached entity, used when another user signs in.
func (db *DB) ClearCached(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM entity_cache`); err != nil {
		return fmt.Errorf("failed to clear entity cache: %w", err)
	}
	return nil
}
