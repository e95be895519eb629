// Package deadletter mirrors stalled operations to a Redis list so operators
// can inspect them outside the device store.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "fieldsync:deadletter"

// RedisSink pushes stalled operations onto a Redis list, newest first.
type RedisSink struct {
	client *redis.Client
	key    string
	limit  int64
}

// NewRedisSink returns a sink writing to key. A positive limit trims the
// list to that many entries.
func NewRedisSink(client *redis.Client, key string, limit int64) *RedisSink {
	if key == "" {
		key = defaultKey
	}
	return &RedisSink{client: client, key: key, limit: limit}
}

func (s *RedisSink) Push(ctx context.Context, op *models.QueuedOperation) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode deadletter %d: %w", op.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.limit > 0 {
		pipe.LTrim(ctx, s.key, 0, s.limit-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deadletter push %d: %w", op.ID, err)
	}
	return nil
}

// Remove drops every entry recorded for the operation id.
func (s *RedisSink) Remove(ctx context.Context, id int64) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("deadletter scan: %w", err)
	}

	pipe := s.client.TxPipeline()
	matched := 0
	for _, item := range raw {
		var op models.QueuedOperation
		if err := json.Unmarshal([]byte(item), &op); err != nil || op.ID != id {
			continue
		}
		pipe.LRem(ctx, s.key, 0, item)
		matched++
	}
	if matched == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deadletter remove %d: %w", id, err)
	}
	return nil
}

// List returns up to n entries, newest first. n <= 0 returns all of them.
func (s *RedisSink) List(ctx context.Context, n int64) ([]models.QueuedOperation, error) {
	if s.client == nil {
		return nil, errors.New("redis client is nil")
	}
	stop := int64(-1)
	if n > 0 {
		stop = n - 1
	}
	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter list: %w", err)
	}

	out := make([]models.QueuedOperation, 0, len(raw))
	for _, item := range raw {
		var op models.QueuedOperation
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// Len returns the list length.
func (s *RedisSink) Len(ctx context.Context) (int64, error) {
	if s.client == nil {
		return 0, errors.New("redis client is nil")
	}
	return s.client.LLen(ctx, s.key).Result()
}
