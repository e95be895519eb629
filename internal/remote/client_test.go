package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.RemoteConfig{
		BaseURL:  srv.URL + "/",
		APIKey:   "key-1",
		APIExtra: "extra-1",
		Timeout:  2 * time.Second,
		Retry:    config.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, nil)
}

func TestCheckDeltas(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sync/deltas", r.URL.Path)
		assert.Equal(t, "1700000000000", r.URL.Query().Get("since"))
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		assert.Equal(t, "extra-1", r.Header.Get("x-api-extra"))
		_, _ = w.Write([]byte(`{"hasUpdates":true,"perEntityDeltaCounters":{"actor":3},"serverTime":1700000005000}`))
	}))

	resp, err := c.CheckDeltas(context.Background(), 1_700_000_000_000)
	require.NoError(t, err)
	assert.True(t, resp.HasUpdates)
	assert.Equal(t, int64(3), resp.DeltaCounters["actor"])
	assert.Equal(t, int64(1_700_000_005_000), resp.ServerTime)
}

func TestApplyOperation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sync/actor/operations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body operationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "local-1", body.EntityID)
		assert.Equal(t, models.ActorProducer, body.Subtype)
		assert.Equal(t, "user-a", body.UserID)
		assert.JSONEq(t, `{"name":"Awa"}`, string(body.Payload))

		_, _ = w.Write([]byte(`{"remote_id":"srv-77"}`))
	}))

	res, err := c.ApplyOperation(context.Background(), &models.QueuedOperation{
		ID: 5, EntityType: models.EntityActor, EntityID: "local-1", Subtype: models.ActorProducer,
		Kind: models.KindCreate, Payload: json.RawMessage(`{"name":"Awa"}`), OwnerUserID: "user-a",
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-77", res.RemoteID)
}

func TestApplyOperation_Conflict(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"parcel_overlap","message":"parcels overlap","conflict_details":{"parcels":["p1"]}}`))
	}))

	_, err := c.ApplyOperation(context.Background(), &models.QueuedOperation{EntityType: models.EntityParcel, Kind: models.KindCreate})
	var syncErr *models.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "parcel_overlap", syncErr.Code)
	assert.JSONEq(t, `{"parcels":["p1"]}`, string(syncErr.ConflictDetails))
	assert.Equal(t, int32(1), calls.Load(), "conflicts are not retried")
}

func TestApplyOperation_ValidationWithoutBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("name is required"))
	}))

	_, err := c.ApplyOperation(context.Background(), &models.QueuedOperation{EntityType: models.EntityStore, Kind: models.KindCreate})
	var syncErr *models.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, models.FailureValidation, syncErr.Code)
	assert.Equal(t, "name is required", syncErr.Message)
}

func TestRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"hasUpdates":false,"serverTime":1}`))
	}))

	resp, err := c.CheckDeltas(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, resp.HasUpdates)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.CheckDeltas(context.Background(), 0)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.Temporary())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))

	err := c.Ping(context.Background())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.False(t, statusErr.Temporary())
	assert.Equal(t, int32(1), calls.Load())
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(config.RemoteConfig{BaseURL: srv.URL, Retry: config.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond}}, nil)

	_, err := c.CheckDeltas(context.Background(), 0)
	assert.Error(t, err)
}

func TestPullEntities_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/sync/parcel", r.URL.Path)
		_, _ = w.Write([]byte(`{"items":[{"id":"p1"},{"id":"p2"}],"serverTime":10}`))
	}))
	c.UseRedisCache(rdb, time.Minute)

	ctx := context.Background()
	first, err := c.PullEntities(ctx, models.EntityParcel, 0, 4)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)

	second, err := c.PullEntities(ctx, models.EntityParcel, 0, 4)
	require.NoError(t, err)
	assert.Len(t, second.Items, 2)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, mr.Exists("pull:parcel:4:0"))

	// New counter misses the cache.
	_, err = c.PullEntities(ctx, models.EntityParcel, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// Zero counter is never cached.
	_, err = c.PullEntities(ctx, models.EntityParcel, 0, 0)
	require.NoError(t, err)
	_, err = c.PullEntities(ctx, models.EntityParcel, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	c := NewClient(config.RemoteConfig{BaseURL: srv.URL, RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1}}, nil)

	require.NoError(t, c.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Ping(ctx))
}
