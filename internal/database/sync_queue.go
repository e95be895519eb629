package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/models"
)

const queueColumns = `id, entity_id, entity_type, subtype, kind, payload, owner_user_id, status, retry_count, last_failure, enqueued_at`

// AppendOperation persists op and assigns its ID. EnqueuedAt defaults to now.
func (db *DB) AppendOperation(ctx context.Context, op *models.QueuedOperation) error {
	if strings.TrimSpace(op.OwnerUserID) == "" {
		return errors.New("owner user id is required")
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = models.OperationPending
	}

	failure, err := encodeFailure(op.LastFailure)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_queue (entity_id, entity_type, subtype, kind, payload, owner_user_id, status, retry_count, last_failure, enqueued_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		op.EntityID,
		op.EntityType,
		op.Subtype,
		op.Kind,
		nullableText(op.Payload),
		op.OwnerUserID,
		op.Status,
		op.RetryCount,
		failure,
		op.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	op.ID = id
	return nil
}

// ListOperations returns queued operations ordered by enqueue time.
func (db *DB) ListOperations(ctx context.Context, filter models.QueueFilter) ([]models.QueuedOperation, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if !filter.IncludeStalled {
		where = append(where, "status = ?")
		args = append(args, models.OperationPending)
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY enqueued_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

// GetOperation loads a single operation by id.
func (db *DB) GetOperation(ctx context.Context, id int64) (*models.QueuedOperation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// FindPendingCreate returns the queued, not yet replayed create operation for
// the entity, or nil when there is none.
func (db *DB) FindPendingCreate(ctx context.Context, ownerUserID, entityType, entityID string) (*models.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
              WHERE owner_user_id = ? AND entity_type = ? AND entity_id = ? AND kind IN (?, ?) AND status = ?
              ORDER BY enqueued_at ASC, id ASC LIMIT 1`
	row := db.QueryRowContext(ctx, query,
		ownerUserID, entityType, entityID,
		models.KindCreate, models.KindCreateBulk,
		models.OperationPending,
	)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// RecordFailure increments the retry counter, stores the failure and marks
// the operation stalled once retry_count exceeds maxRetries. The updated
// record is returned.
func (db *DB) RecordFailure(ctx context.Context, id int64, failure models.Failure, maxRetries int) (*models.QueuedOperation, error) {
	encoded, err := encodeFailure(&failure)
	if err != nil {
		return nil, err
	}

	query := `UPDATE sync_queue
              SET retry_count = retry_count + 1,
                  last_failure = ?,
                  status = CASE WHEN retry_count + 1 > ? THEN ? ELSE status END
              WHERE id = ?`
	result, err := db.ExecContext(ctx, query, encoded, maxRetries, models.OperationStalled, id)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return nil, err
	}
	return db.GetOperation(ctx, id)
}

// MergePayload replaces the payload of an operation and refreshes its enqueue
// time.
func (db *DB) MergePayload(ctx context.Context, id int64, payload []byte) error {
	result, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET payload = ?, enqueued_at = ? WHERE id = ?`,
		nullableText(payload), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to merge payload: %w", err)
	}
	return expectOneRow(result)
}

// RequeueOperation moves a stalled operation back to pending. The retry
// counter is kept.
func (db *DB) RequeueOperation(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE id = ?`, models.OperationPending, id)
	if err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}
	return expectOneRow(result)
}

// DeleteOperation removes an operation.
func (db *DB) DeleteOperation(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return expectOneRow(result)
}

// CompleteOperation removes op after a successful replay, provided the row
// still holds the payload and enqueue time op was read with. When an update
// was merged into a create during the replay, the row is kept and turned into
// an update carrying the merged payload. It reports whether the row was
// removed.
func (db *DB) CompleteOperation(ctx context.Context, op *models.QueuedOperation) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND enqueued_at = ? AND payload IS ?`,
		op.ID, op.EnqueuedAt.UnixNano(), nullableText(op.Payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return true, tx.Commit()
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE sync_queue SET kind = CASE WHEN kind IN (?, ?) THEN ? ELSE kind END WHERE id = ?`,
		models.KindCreate, models.KindCreateBulk, models.KindUpdate, op.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to keep changed operation: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// CountByOwner returns the number of queued operations per owning user,
// stalled ones included.
func (db *DB) CountByOwner(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT owner_user_id, COUNT(*) FROM sync_queue GROUP BY owner_user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			owner string
			count int
		)
		if err := rows.Scan(&owner, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[owner] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op         models.QueuedOperation
		payload    sql.NullString
		failure    sql.NullString
		enqueuedAt int64
	)
	err := row.Scan(
		&op.ID, &op.EntityID, &op.EntityType, &op.Subtype, &op.Kind, &payload,
		&op.OwnerUserID, &op.Status, &op.RetryCount, &failure, &enqueuedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if failure.Valid && failure.String != "" {
		var f models.Failure
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return nil, fmt.Errorf("failed to decode last failure of operation %d: %w", op.ID, err)
		}
		op.LastFailure = &f
	}
	op.EnqueuedAt = time.Unix(0, enqueuedAt)
	return &op, nil
}

func encodeFailure(f *models.Failure) (interface{}, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode failure: %w", err)
	}
	return string(data), nil
}

func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
