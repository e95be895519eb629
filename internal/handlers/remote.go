// Package handlers provides the remote-backed entity sync handlers and the
// catalog of entity types the device knows about.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"

	"github.com/rs/zerolog"
)

// Client is the part of the remote API a handler needs.
type Client interface {
	ApplyOperation(ctx context.Context, op *models.QueuedOperation) (*remote.ApplyResult, error)
	PullEntities(ctx context.Context, entityType string, since, deltaCounter int64) (*remote.PullResponse, error)
}

// MetadataReader gives access to the persisted sync state.
type MetadataReader interface {
	LoadMetadata(ctx context.Context) (*models.SyncMetadata, error)
}

// Sink is the local entity cache fed by pulls.
type Sink interface {
	StorePulled(ctx context.Context, entityType string, items []json.RawMessage, serverTime int64) (int, error)
	RemoveCached(ctx context.Context, entityType, entityID string) error
	RelinkCached(ctx context.Context, entityType, localID, remoteID string) error
}

// EntitySpec declares one entity type.
type EntitySpec struct {
	EntityType   string
	KindRanks    map[string]int
	SubtypeRanks map[string]int
	// Pull enables the collection pull after login.
	Pull bool
}

// Stats is a snapshot of a handler's results since start.
type Stats struct {
	EntityType  string          `json:"entity_type"`
	Succeeded   int64           `json:"succeeded"`
	Failed      int64           `json:"failed"`
	LastFailure *models.Failure `json:"last_failure,omitempty"`
}

// RemoteHandler replays operations of one entity type against the remote
// system and pulls the entity collection after login.
type RemoteHandler struct {
	spec   EntitySpec
	client Client
	meta   MetadataReader
	sink   Sink
	logger zerolog.Logger

	succeeded atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	lastFailure *models.Failure
}

// NewRemoteHandler builds a handler. meta and sink may be nil; without them
// pulls start from zero and pulled items are dropped.
func NewRemoteHandler(spec EntitySpec, client Client, meta MetadataReader, sink Sink, logger *zerolog.Logger) (*RemoteHandler, error) {
	if spec.EntityType == "" {
		return nil, errors.New("entity type is required")
	}
	if client == nil {
		return nil, errors.New("remote client is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RemoteHandler{
		spec:   spec,
		client: client,
		meta:   meta,
		sink:   sink,
		logger: logger.With().Str("component", "handler").Str("entity_type", spec.EntityType).Logger(),
	}, nil
}

func (h *RemoteHandler) EntityType() string {
	return h.spec.EntityType
}

func (h *RemoteHandler) KindRanks() map[string]int {
	return h.spec.KindRanks
}

func (h *RemoteHandler) SubtypeRanks() map[string]int {
	return h.spec.SubtypeRanks
}

// Handle sends the operation. Rejections keep their structured code, anything
// that never reached the remote system becomes a network error.
func (h *RemoteHandler) Handle(ctx context.Context, op *models.QueuedOperation) error {
	res, err := h.client.ApplyOperation(ctx, op)
	if err != nil {
		return classify(err)
	}

	if res != nil && res.RemoteID != "" && models.IsLocalID(op.EntityID) && h.sink != nil {
		if err := h.sink.RelinkCached(ctx, op.EntityType, op.EntityID, res.RemoteID); err != nil {
			// The remote side already applied the operation.
			h.logger.Warn().Err(err).Str("entity_id", op.EntityID).Str("remote_id", res.RemoteID).Msg("relink local entity")
		}
	}
	return nil
}

func classify(err error) error {
	var syncErr *models.SyncError
	if errors.As(err, &syncErr) {
		return err
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return &models.SyncError{Code: fmt.Sprintf("http_%d", statusErr.StatusCode), Message: statusErr.Body}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &models.SyncError{Code: models.FailureNetwork, Message: err.Error()}
}

// SyncOnLogin pulls everything changed since the last sync.
func (h *RemoteHandler) SyncOnLogin(ctx context.Context) error {
	if !h.spec.Pull {
		return nil
	}

	var since, counter int64
	if h.meta != nil {
		meta, err := h.meta.LoadMetadata(ctx)
		if err != nil {
			return fmt.Errorf("load sync metadata: %w", err)
		}
		since = meta.LastSyncTimestamp
		counter = meta.DeltaCounter(h.spec.EntityType)
	}

	resp, err := h.client.PullEntities(ctx, h.spec.EntityType, since, counter)
	if err != nil {
		return fmt.Errorf("pull %s: %w", h.spec.EntityType, err)
	}
	if h.sink == nil {
		return nil
	}
	stored, err := h.sink.StorePulled(ctx, h.spec.EntityType, resp.Items, resp.ServerTime)
	if err != nil {
		return fmt.Errorf("store pulled %s: %w", h.spec.EntityType, err)
	}
	h.logger.Debug().Int("received", len(resp.Items)).Int("stored", stored).Int64("since", since).Msg("entities pulled")
	return nil
}

// DiscardLocal drops the cached shadow of an entity created offline.
func (h *RemoteHandler) DiscardLocal(ctx context.Context, op *models.QueuedOperation) error {
	if h.sink == nil || !models.IsLocalID(op.EntityID) {
		return nil
	}
	return h.sink.RemoveCached(ctx, op.EntityType, op.EntityID)
}

func (h *RemoteHandler) OnSuccess(entityType, kind, entityID string) {
	h.succeeded.Add(1)
	h.logger.Debug().Str("kind", kind).Str("entity_id", entityID).Msg("operation synced")
}

func (h *RemoteHandler) OnError(entityType, kind string, failure models.Failure, entityID string) {
	h.failed.Add(1)
	h.mu.Lock()
	f := failure
	h.lastFailure = &f
	h.mu.Unlock()
	h.logger.Warn().Str("kind", kind).Str("entity_id", entityID).Str("code", failure.Code).Msg(failure.Message)
}

// Stats returns the handler counters.
func (h *RemoteHandler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{
		EntityType: h.spec.EntityType,
		Succeeded:  h.succeeded.Load(),
		Failed:     h.failed.Load(),
	}
	if h.lastFailure != nil {
		f := *h.lastFailure
		s.LastFailure = &f
	}
	return s
}
