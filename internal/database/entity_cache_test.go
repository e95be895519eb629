package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityCache(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	items := []json.RawMessage{
		json.RawMessage(`{"id":"p1","name":"North"}`),
		json.RawMessage(`{"id":42,"name":"Numeric"}`),
		json.RawMessage(`{"name":"no id"}`),
		json.RawMessage(`not json`),
	}

	stored, err := db.StorePulled(ctx, "parcel", items, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	n, err := db.CountCached(ctx, "parcel")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := db.CachedEntity(ctx, "parcel", "42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"name":"Numeric"}`, string(got))

	t.Run("Upsert", func(t *testing.T) {
		_, err := db.StorePulled(ctx, "parcel", []json.RawMessage{json.RawMessage(`{"id":"p1","name":"South"}`)}, 200)
		require.NoError(t, err)

		got, err := db.CachedEntity(ctx, "parcel", "p1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"p1","name":"South"}`, string(got))

		n, err := db.CountCached(ctx, "parcel")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Relink", func(t *testing.T) {
		_, err := db.StorePulled(ctx, "actor", []json.RawMessage{json.RawMessage(`{"id":"local-1"}`)}, 0)
		require.NoError(t, err)
		require.NoError(t, db.RelinkCached(ctx, "actor", "local-1", "srv-9"))

		_, err = db.CachedEntity(ctx, "actor", "local-1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = db.CachedEntity(ctx, "actor", "srv-9")
		assert.NoError(t, err)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, db.RemoveCached(ctx, "parcel", "p1"))
		require.NoError(t, db.RemoveCached(ctx, "parcel", "p1"))

		_, err := db.CachedEntity(ctx, "parcel", "p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, db.ClearCached(ctx))
		n, err := db.CountCached(ctx, "parcel")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
