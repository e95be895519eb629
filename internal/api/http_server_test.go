package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/handlers"
	"fieldsync/internal/models"
	"fieldsync/internal/poller"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) Stats(ctx context.Context) (engine.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.Stats), args.Error(1)
}

func (m *mockOutbox) Pending(ctx context.Context, userID string) ([]models.QueuedOperation, error) {
	args := m.Called(ctx, userID)
	ops, _ := args.Get(0).([]models.QueuedOperation)
	return ops, args.Error(1)
}

func (m *mockOutbox) ProcessAll(ctx context.Context, userID string) (engine.PassResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(engine.PassResult), args.Error(1)
}

func (m *mockOutbox) Requeue(ctx context.Context, id int64, userID string) error {
	return m.Called(ctx, id, userID).Error(0)
}

func (m *mockOutbox) Discard(ctx context.Context, id int64, userID string) error {
	return m.Called(ctx, id, userID).Error(0)
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) ForceCheck(ctx context.Context) (poller.Outcome, error) {
	args := m.Called(ctx)
	return args.Get(0).(poller.Outcome), args.Error(1)
}

func (m *mockPoller) SetMode(mode poller.Mode) {
	m.Called(mode)
}

func (m *mockPoller) Mode() poller.Mode {
	return m.Called().Get(0).(poller.Mode)
}

func (m *mockPoller) Metadata() models.SyncMetadata {
	return m.Called().Get(0).(models.SyncMetadata)
}

type staticHandlerStats handlers.Stats

func (s staticHandlerStats) Stats() handlers.Stats { return handlers.Stats(s) }

type fakeDeadLetters struct {
	ops   []models.QueuedOperation
	limit int64
}

func (f *fakeDeadLetters) List(ctx context.Context, n int64) ([]models.QueuedOperation, error) {
	f.limit = n
	return f.ops, nil
}

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	logger := zerolog.New(io.Discard)
	srv := NewHTTPServer(config.APIConfig{Enabled: true}, deps, &logger)
	srv.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Stats", mock.Anything).Return(engine.Stats{Online: true}, nil).Once()
	outbox.On("Stats", mock.Anything).Return(engine.Stats{}, errors.New("db closed")).Once()
	h := newTestServer(t, Deps{Outbox: outbox})

	rr := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["online"])
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	rr = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStats(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Stats", mock.Anything).Return(engine.Stats{Handlers: 2, Pending: 3, PendingByUser: map[string]int{"user-a": 3}, Online: true}, nil)
	p := &mockPoller{}
	p.On("Mode").Return(poller.ModeBackground)
	p.On("Metadata").Return(models.SyncMetadata{LastSyncTimestamp: 10, LastPushTimestamp: 20, DeltaCounters: map[string]int64{"actor": 4}, LastKnownUserID: "user-a"})

	h := newTestServer(t, Deps{
		Outbox:   outbox,
		Poller:   p,
		Handlers: []HandlerStats{staticHandlerStats{EntityType: "actor", Succeeded: 5}},
	})

	rr := do(t, h, http.MethodGet, "/api/v1/outbox/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, float64(3), body["pending"])
	assert.Equal(t, "background", body["poll_mode"])
	assert.Equal(t, float64(10), body["last_sync_timestamp"])
	assert.Equal(t, "user-a", body["last_known_user_id"])
	entities := body["entities"].([]any)
	require.Len(t, entities, 1)
	assert.Equal(t, "actor", entities[0].(map[string]any)["entity_type"])
}

func TestOperations(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Pending", mock.Anything, "user-a").Return([]models.QueuedOperation{
		{ID: 1, EntityType: models.EntityParcel, EntityID: "local-1", Kind: models.KindCreate, OwnerUserID: "user-a"},
	}, nil)
	outbox.On("Pending", mock.Anything, "user-b").Return(nil, nil)
	h := newTestServer(t, Deps{Outbox: outbox})

	rr := do(t, h, http.MethodGet, "/api/v1/outbox/operations?user=user-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), decode(t, rr)["total"])

	rr = do(t, h, http.MethodGet, "/api/v1/outbox/operations?user=user-b", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"operations":[]`)

	rr = do(t, h, http.MethodGet, "/api/v1/outbox/operations", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSync(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("ProcessAll", mock.Anything, "user-a").Return(engine.PassResult{Processed: 2, Succeeded: 2}, nil).Once()
	outbox.On("ProcessAll", mock.Anything, "").Return(engine.PassResult{Skipped: true}, nil).Once()
	outbox.On("ProcessAll", mock.Anything, "user-c").Return(engine.PassResult{}, errors.New("disk I/O error")).Once()
	h := newTestServer(t, Deps{Outbox: outbox})

	rr := do(t, h, http.MethodPost, "/api/v1/outbox/sync?user=user-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["succeeded"])

	rr = do(t, h, http.MethodPost, "/api/v1/outbox/sync", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, true, decode(t, rr)["skipped"])

	rr = do(t, h, http.MethodPost, "/api/v1/outbox/sync?user=user-c", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk")
	outbox.AssertExpectations(t)
}

func TestRetryAndDiscard(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Requeue", mock.Anything, int64(7), "user-a").Return(nil).Once()
	outbox.On("Requeue", mock.Anything, int64(8), "user-a").Return(domain.ErrNotFound).Once()
	outbox.On("Discard", mock.Anything, int64(7), "user-a").Return(nil).Once()
	outbox.On("Discard", mock.Anything, int64(9), "user-b").Return(engine.ErrNotFound).Once()
	h := newTestServer(t, Deps{Outbox: outbox})

	rr := do(t, h, http.MethodPost, "/api/v1/outbox/operations/7/retry?user=user-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "requeued", decode(t, rr)["status"])

	rr = do(t, h, http.MethodPost, "/api/v1/outbox/operations/8/retry?user=user-a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/outbox/operations/7?user=user-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "discarded", decode(t, rr)["status"])

	rr = do(t, h, http.MethodDelete, "/api/v1/outbox/operations/9?user=user-b", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/outbox/operations/abc?user=user-a", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/outbox/operations/7", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/outbox/operations/7/retry?user=user-a", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	outbox.AssertExpectations(t)
}

func TestExport(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Pending", mock.Anything, "user-a").Return([]models.QueuedOperation{
		{ID: 1, EntityType: models.EntityParcel, EntityID: "local-1", Kind: models.KindCreate, OwnerUserID: "user-a", Status: models.OperationPending, EnqueuedAt: time.Now()},
	}, nil)
	h := newTestServer(t, Deps{Outbox: outbox})

	rr := do(t, h, http.MethodGet, "/api/v1/outbox/export?user=user-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "outbox_20260501_120000.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Operations")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDeadLetters(t *testing.T) {
	outbox := &mockOutbox{}
	h := newTestServer(t, Deps{Outbox: outbox})
	rr := do(t, h, http.MethodGet, "/api/v1/outbox/deadletters", nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	dl := &fakeDeadLetters{ops: []models.QueuedOperation{{ID: 4, Status: models.OperationStalled}}}
	h = newTestServer(t, Deps{Outbox: outbox, DeadLetters: dl})

	rr = do(t, h, http.MethodGet, "/api/v1/outbox/deadletters?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), decode(t, rr)["total"])
	assert.Equal(t, int64(10), dl.limit)

	rr = do(t, h, http.MethodGet, "/api/v1/outbox/deadletters?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPollEndpoints(t *testing.T) {
	p := &mockPoller{}
	p.On("ForceCheck", mock.Anything).Return(poller.OutcomeUpdates, nil).Once()
	p.On("ForceCheck", mock.Anything).Return(poller.OutcomeError, errors.New("connection refused")).Once()
	p.On("SetMode", poller.ModeBackground).Once()
	h := newTestServer(t, Deps{Outbox: &mockOutbox{}, Poller: p})

	rr := do(t, h, http.MethodPost, "/api/v1/poll/check", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "updates", decode(t, rr)["outcome"])

	rr = do(t, h, http.MethodPost, "/api/v1/poll/check", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = do(t, h, http.MethodPut, "/api/v1/poll/mode", strings.NewReader(`{"mode":"background"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "background", decode(t, rr)["mode"])

	rr = do(t, h, http.MethodPut, "/api/v1/poll/mode", strings.NewReader(`{"mode":"turbo"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/api/v1/poll/mode", strings.NewReader(`{"mode":"active","extra":1}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	p.AssertExpectations(t)

	t.Run("NotConfigured", func(t *testing.T) {
		h := newTestServer(t, Deps{Outbox: &mockOutbox{}})
		rr := do(t, h, http.MethodPost, "/api/v1/poll/check", nil)
		assert.Equal(t, http.StatusNotImplemented, rr.Code)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	outbox := &mockOutbox{}
	outbox.On("Stats", mock.Anything).Return(engine.Stats{}, nil)
	h := newTestServer(t, Deps{Outbox: outbox})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get(requestIDHeader))
}

func TestHTTPServer_StartStop(t *testing.T) {
	logger := zerolog.New(io.Discard)
	srv := NewHTTPServer(config.APIConfig{HTTP: config.APIHTTPConfig{Port: 0}}, Deps{Outbox: &mockOutbox{}}, &logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)

	var empty HTTPServer
	assert.NoError(t, empty.Shutdown(ctx))
	assert.Error(t, empty.Start())
}
