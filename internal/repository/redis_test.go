package repository

import (
	"context"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSessionRepository(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer Close(client)

	repo := NewRedisSessionRepository(client, "", time.Hour)
	ctx := context.Background()

	t.Run("SetAndGetSession", func(t *testing.T) {
		session := &models.DeviceSession{
			DeviceID:      "tablet-7",
			UserID:        "user-a",
			Authenticated: true,
			Unlocked:      true,
		}

		err := repo.SetSession(ctx, session)
		require.NoError(t, err)
		assert.True(t, s.Exists("fieldsync:session:tablet-7"))

		got, err := repo.GetSession(ctx, "tablet-7")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "user-a", got.UserID)
		assert.True(t, got.Active())
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("GetNonExistentSession", func(t *testing.T) {
		got, err := repo.GetSession(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ClearSession", func(t *testing.T) {
		require.NoError(t, repo.SetSession(ctx, &models.DeviceSession{DeviceID: "tablet-8", UserID: "user-b"}))

		err := repo.ClearSession(ctx, "tablet-8")
		require.NoError(t, err)

		got, err := repo.GetSession(ctx, "tablet-8")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TTL", func(t *testing.T) {
		require.NoError(t, repo.SetSession(ctx, &models.DeviceSession{DeviceID: "tablet-9", UserID: "user-c"}))
		s.FastForward(2 * time.Hour)

		got, err := repo.GetSession(ctx, "tablet-9")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("CorruptValue", func(t *testing.T) {
		require.NoError(t, s.Set("fieldsync:session:broken", "{not json"))
		_, err := repo.GetSession(ctx, "broken")
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})
}

func TestRedisSessionRepository_NilClient(t *testing.T) {
	repo := NewRedisSessionRepository(nil, "p:", 0)
	ctx := context.Background()

	_, err := repo.GetSession(ctx, "x")
	assert.Error(t, err)
	assert.Error(t, repo.SetSession(ctx, &models.DeviceSession{DeviceID: "x"}))
	assert.Error(t, repo.ClearSession(ctx, "x"))
	assert.NoError(t, Close(nil))
}

func TestRedisSessionRepository_ServerDown(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	repo := NewRedisSessionRepository(client, "p:", time.Minute)

	s.Close()
	_, err := repo.GetSession(context.Background(), "x")
	assert.Error(t, err)
	assert.Error(t, Ping(context.Background(), client))
}
