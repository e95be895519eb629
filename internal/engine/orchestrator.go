package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/ordering"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes the orchestrator.
type Options struct {
	// MaxRetries is the ceiling above which an operation stalls.
	MaxRetries int
	// LoginSyncConcurrency bounds parallel SyncOnLogin calls.
	LoginSyncConcurrency int
	// RetryInterval schedules automatic passes while Start runs. Zero disables them.
	RetryInterval time.Duration
	// Table overrides the default precedence table.
	Table *ordering.Table
}

// Deps are the collaborators of the orchestrator. Only Queue is required.
type Deps struct {
	Queue        domain.QueueStore
	Metadata     domain.MetadataStore
	Connectivity domain.Connectivity
	Sessions     domain.SessionProvider
	DeadLetters  domain.DeadLetterSink
	Events       domain.EventPublisher
}

// PassResult summarizes one processing pass.
type PassResult struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Stalled   int  `json:"stalled"`
	Unhandled int  `json:"unhandled"`
}

// Stats is a point-in-time view of the outbox.
type Stats struct {
	Handlers      int            `json:"handlers"`
	Pending       int            `json:"pending"`
	PendingByUser map[string]int `json:"pending_by_user"`
	Online        bool           `json:"online"`
	Processing    bool           `json:"processing"`
}

// Orchestrator replays queued operations through registered handlers.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	notifiers map[string]Notifier
	order     []string
	table     *ordering.Table

	processing atomic.Bool
	trigger    chan struct{}
	now        func() time.Time
}

// New builds an orchestrator.
func New(deps Deps, opts Options, logger *zerolog.Logger) (*Orchestrator, error) {
	if deps.Queue == nil {
		return nil, errors.New("engine: queue store is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.LoginSyncConcurrency <= 0 {
		opts.LoginSyncConcurrency = 4
	}
	table := opts.Table
	if table == nil {
		table = ordering.DefaultTable()
	} else {
		table = table.Clone()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Orchestrator{
		deps:      deps,
		opts:      opts,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		handlers:  make(map[string]Handler),
		notifiers: make(map[string]Notifier),
		table:     table,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}, nil
}

// RegisterHandler adds h to the registry and wires its optional capabilities.
func (o *Orchestrator) RegisterHandler(h Handler) error {
	if h == nil || h.EntityType() == "" {
		return ErrInvalidHandler
	}
	entityType := h.EntityType()

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.handlers[entityType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, entityType)
	}
	o.handlers[entityType] = h
	o.order = append(o.order, entityType)

	if n, ok := h.(Notifier); ok {
		o.notifiers[entityType] = n
	}
	if r, ok := h.(KindRanker); ok {
		o.table.RegisterKinds(entityType, r.KindRanks())
	}
	if r, ok := h.(SubtypeRanker); ok {
		o.table.RegisterSubtypes(entityType, r.SubtypeRanks())
	}

	o.logger.Debug().Str("entity_type", entityType).Msg("handler registered")
	return nil
}

// Enqueue persists op for ownerUserID and requests a pass. An update against
// a create that has not been synced yet is folded into that create.
func (o *Orchestrator) Enqueue(ctx context.Context, op *models.QueuedOperation, ownerUserID string) error {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return ErrMissingOwner
	}
	if op == nil || op.EntityType == "" || op.Kind == "" {
		return ErrInvalidOperation
	}
	op.OwnerUserID = ownerUserID

	merged, err := o.mergeIntoPendingCreate(ctx, op)
	if err != nil {
		return err
	}
	if !merged {
		op.ID = 0
		op.RetryCount = 0
		op.Status = models.OperationPending
		op.LastFailure = nil
		op.EnqueuedAt = o.now()
		if err := o.deps.Queue.AppendOperation(ctx, op); err != nil {
			return fmt.Errorf("append operation: %w", err)
		}
	}

	o.logger.Debug().
		Int64("operation_id", op.ID).
		Str("entity_type", op.EntityType).
		Str("kind", op.Kind).
		Bool("merged", merged).
		Msg("operation queued")
	o.publish(events.EventOperationQueued, op, nil)
	o.updatePendingGauge(ctx)

	o.TriggerSync(ctx)
	return nil
}

func (o *Orchestrator) mergeIntoPendingCreate(ctx context.Context, op *models.QueuedOperation) (bool, error) {
	if op.Kind != models.KindUpdate || op.EntityID == "" {
		return false, nil
	}
	create, err := o.deps.Queue.FindPendingCreate(ctx, op.OwnerUserID, op.EntityType, op.EntityID)
	if err != nil {
		return false, fmt.Errorf("find pending create: %w", err)
	}
	if create == nil {
		return false, nil
	}

	payload, err := mergePayload(create.Payload, op.Payload)
	if err != nil {
		return false, err
	}
	if err := o.deps.Queue.MergePayload(ctx, create.ID, payload); err != nil {
		return false, fmt.Errorf("merge payload into %d: %w", create.ID, err)
	}

	op.ID = create.ID
	op.Kind = create.Kind
	op.Subtype = create.Subtype
	op.Payload = payload
	op.RetryCount = create.RetryCount
	op.Status = create.Status
	op.EnqueuedAt = o.now()
	return true, nil
}

// mergePayload overlays update keys on the create payload. Non-object
// payloads are replaced outright.
func mergePayload(base, update json.RawMessage) (json.RawMessage, error) {
	if len(update) == 0 {
		return base, nil
	}
	var baseObj, updateObj map[string]json.RawMessage
	if json.Unmarshal(base, &baseObj) != nil || json.Unmarshal(update, &updateObj) != nil || baseObj == nil || updateObj == nil {
		return update, nil
	}
	for k, v := range updateObj {
		baseObj[k] = v
	}
	out, err := json.Marshal(baseObj)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return out, nil
}

// ProcessAll replays pending operations in dependency order, one at a time.
// An empty filterUserID processes every user. A call made while another pass
// runs returns immediately with Skipped set.
func (o *Orchestrator) ProcessAll(ctx context.Context, filterUserID string) (PassResult, error) {
	var result PassResult
	if !o.processing.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer o.processing.Store(false)

	started := time.Now()
	defer func() { metrics.ObservePass(time.Since(started)) }()

	ops, err := o.deps.Queue.ListOperations(ctx, models.QueueFilter{OwnerUserID: filterUserID})
	if err != nil {
		return result, fmt.Errorf("list operations: %w", err)
	}
	if len(ops) == 0 {
		o.updatePendingGauge(ctx)
		return result, nil
	}

	o.mu.RLock()
	sorted := o.table.Sort(ops)
	o.mu.RUnlock()

	for i := range sorted {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := o.processOne(ctx, &sorted[i], &result); err != nil {
			return result, err
		}
	}

	o.updatePendingGauge(ctx)
	o.logger.Info().
		Str("user_id", filterUserID).
		Int("processed", result.Processed).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("stalled", result.Stalled).
		Int("unhandled", result.Unhandled).
		Msg("sync pass finished")

	if result.Processed > 0 && result.Failed == 0 && result.Unhandled == 0 && o.deps.Metadata != nil {
		if err := o.deps.Metadata.SetLastPushTimestamp(ctx, o.now().UnixMilli()); err != nil {
			o.logger.Warn().Err(err).Msg("record last push timestamp")
		}
	}
	return result, nil
}

// updatePendingGauge publishes the number of queued operations of every
// user, stalled ones included.
func (o *Orchestrator) updatePendingGauge(ctx context.Context) {
	total, err := o.PendingCount(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("count queued operations")
		return
	}
	metrics.SetPending(total)
}

// processOne returns an error only when the store fails.
func (o *Orchestrator) processOne(ctx context.Context, op *models.QueuedOperation, result *PassResult) error {
	o.mu.RLock()
	h, ok := o.handlers[op.EntityType]
	n := o.notifiers[op.EntityType]
	o.mu.RUnlock()

	log := o.logger.With().
		Int64("operation_id", op.ID).
		Str("entity_type", op.EntityType).
		Str("kind", op.Kind).
		Str("entity_id", op.EntityID).
		Logger()

	if !ok {
		result.Unhandled++
		log.Warn().Msg("no handler registered, operation left in queue")
		return nil
	}

	result.Processed++
	handleErr := invoke(ctx, h, op)
	if handleErr == nil {
		removed, err := o.deps.Queue.CompleteOperation(ctx, op)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("complete operation %d: %w", op.ID, err)
		}
		if err == nil && !removed {
			log.Info().Msg("operation changed during replay, kept for the next pass")
			o.TriggerSync(ctx)
		}
		result.Succeeded++
		metrics.IncOperation(op.EntityType, "success")
		if n != nil {
			n.OnSuccess(op.EntityType, op.Kind, op.EntityID)
		}
		o.publish(events.EventOperationSynced, op, nil)
		log.Debug().Msg("operation synced")
		return nil
	}

	failure := toFailure(handleErr, o.now())
	updated, err := o.deps.Queue.RecordFailure(ctx, op.ID, failure, o.opts.MaxRetries)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Discarded by the user while the handler ran.
			log.Info().Msg("operation removed during pass")
			return nil
		}
		return fmt.Errorf("record failure of %d: %w", op.ID, err)
	}

	result.Failed++
	metrics.IncOperation(op.EntityType, "failure")
	if n != nil {
		n.OnError(op.EntityType, op.Kind, failure, op.EntityID)
	}
	o.publish(events.EventOperationFailed, updated, &failure)
	log.Warn().
		Str("code", failure.Code).
		Str("error", failure.Message).
		Int("retry_count", updated.RetryCount).
		Msg("operation failed")

	if updated.IsStalled() {
		result.Stalled++
		o.stall(ctx, updated, &failure)
	}
	return nil
}

func (o *Orchestrator) stall(ctx context.Context, op *models.QueuedOperation, failure *models.Failure) {
	metrics.IncStalled(op.EntityType)
	o.logger.Warn().
		Int64("operation_id", op.ID).
		Str("entity_type", op.EntityType).
		Int("retry_count", op.RetryCount).
		Int("max_retries", o.opts.MaxRetries).
		Msg("operation stalled, manual retry required")

	if o.deps.DeadLetters != nil {
		if err := o.deps.DeadLetters.Push(ctx, op); err != nil {
			o.logger.Warn().Err(err).Int64("operation_id", op.ID).Msg("dead letter push failed")
		}
	}
	o.publish(events.EventOperationStalled, op, failure)
}

// invoke calls the handler and turns a panic into an error.
func invoke(ctx context.Context, h Handler, op *models.QueuedOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.SyncError{Code: models.FailureHandlerPanic, Message: fmt.Sprint(r)}
		}
	}()
	return h.Handle(ctx, op)
}

func toFailure(err error, now time.Time) models.Failure {
	var syncErr *models.SyncError
	if errors.As(err, &syncErr) {
		code := syncErr.Code
		if code == "" {
			code = models.FailureHandlerError
		}
		return models.Failure{
			Code:            code,
			Message:         syncErr.Message,
			ObservedAt:      now,
			ConflictDetails: syncErr.ConflictDetails,
		}
	}
	return models.Failure{
		Code:       models.FailureHandlerError,
		Message:    err.Error(),
		ObservedAt: now,
	}
}

// TriggerSync requests a pass from the Start loop when the device is online.
// It reports whether the request was accepted.
func (o *Orchestrator) TriggerSync(ctx context.Context) bool {
	if !o.Online() {
		return false
	}
	select {
	case o.trigger <- struct{}{}:
	default:
		// A pass is already requested.
	}
	return true
}

// Start consumes sync triggers until ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info().Msg("orchestrator started")
	defer o.logger.Info().Msg("orchestrator stopped")

	var tick <-chan time.Time
	if o.opts.RetryInterval > 0 {
		ticker := time.NewTicker(o.opts.RetryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
		case <-tick:
			if !o.Online() {
				continue
			}
		}

		userID, ok := o.currentUser(ctx)
		if !ok {
			continue
		}
		if _, err := o.ProcessAll(ctx, userID); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("sync pass failed")
		}
	}
}

// currentUser returns the user whose records an automatic pass processes.
// Without a session provider every user is processed.
func (o *Orchestrator) currentUser(ctx context.Context) (string, bool) {
	if o.deps.Sessions == nil {
		return "", true
	}
	session, err := o.deps.Sessions.CurrentSession(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read session")
		return "", false
	}
	if !session.Active() {
		return "", false
	}
	return session.UserID, true
}

// RunPostLoginSync runs every LoginSyncer concurrently. Failures are logged
// per handler and never returned.
func (o *Orchestrator) RunPostLoginSync(ctx context.Context) error {
	o.mu.RLock()
	var syncers []namedSyncer
	for _, entityType := range o.order {
		if s, ok := o.handlers[entityType].(LoginSyncer); ok {
			syncers = append(syncers, namedSyncer{entityType: entityType, syncer: s})
		}
	}
	o.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(o.opts.LoginSyncConcurrency)
	var failed atomic.Int32
	for _, s := range syncers {
		g.Go(func() error {
			if err := syncOnLogin(ctx, s.syncer); err != nil {
				failed.Add(1)
				o.logger.Error().Err(err).Str("entity_type", s.entityType).Msg("post-login sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info().
		Int("handlers", len(syncers)).
		Int32("failed", failed.Load()).
		Msg("post-login sync finished")
	return nil
}

type namedSyncer struct {
	entityType string
	syncer     LoginSyncer
}

func syncOnLogin(ctx context.Context, s LoginSyncer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.SyncOnLogin(ctx)
}

// Discard removes an operation on behalf of its owner and cleans up the
// local shadow entity when the handler supports it.
func (o *Orchestrator) Discard(ctx context.Context, id int64, userID string) error {
	op, err := o.owned(ctx, id, userID)
	if err != nil {
		return err
	}

	o.mu.RLock()
	h := o.handlers[op.EntityType]
	o.mu.RUnlock()

	if cleaner, ok := h.(ShadowCleaner); ok {
		if err := cleaner.DiscardLocal(ctx, op); err != nil {
			return fmt.Errorf("discard local %s %s: %w", op.EntityType, op.EntityID, err)
		}
	}
	if err := o.deps.Queue.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("delete operation %d: %w", id, err)
	}
	if op.IsStalled() {
		o.dropDeadLetter(ctx, id)
	}
	o.updatePendingGauge(ctx)

	o.logger.Info().Int64("operation_id", id).Str("user_id", userID).Msg("operation discarded")
	return nil
}

// Requeue moves a stalled operation back to pending. Its retry count is kept.
func (o *Orchestrator) Requeue(ctx context.Context, id int64, userID string) error {
	op, err := o.owned(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := o.deps.Queue.RequeueOperation(ctx, id); err != nil {
		return fmt.Errorf("requeue operation %d: %w", id, err)
	}
	if op.IsStalled() {
		o.dropDeadLetter(ctx, id)
	}
	o.logger.Info().Int64("operation_id", id).Str("user_id", userID).Msg("operation requeued")
	o.TriggerSync(ctx)
	return nil
}

func (o *Orchestrator) dropDeadLetter(ctx context.Context, id int64) {
	if o.deps.DeadLetters == nil {
		return
	}
	if err := o.deps.DeadLetters.Remove(ctx, id); err != nil {
		o.logger.Warn().Err(err).Int64("operation_id", id).Msg("dead letter removal failed")
	}
}

func (o *Orchestrator) owned(ctx context.Context, id int64, userID string) (*models.QueuedOperation, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}
	op, err := o.deps.Queue.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	// Other users' records are invisible.
	if op.OwnerUserID != userID {
		return nil, ErrNotFound
	}
	return op, nil
}

func (o *Orchestrator) publish(eventType string, op *models.QueuedOperation, failure *models.Failure) {
	if o.deps.Events == nil || op == nil {
		return
	}
	payload := events.OperationEventPayload{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		OwnerUserID: op.OwnerUserID,
		RetryCount:  op.RetryCount,
	}
	if failure != nil {
		payload.Code = failure.Code
		payload.Message = failure.Message
		payload.Conflict = failure.ConflictDetails
	}
	if err := o.deps.Events.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

// HandlerCount returns the number of registered handlers.
func (o *Orchestrator) HandlerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.handlers)
}

// PendingByUser counts queued operations per owner, stalled ones included.
func (o *Orchestrator) PendingByUser(ctx context.Context) (map[string]int, error) {
	counts, err := o.deps.Queue.CountByOwner(ctx)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	return counts, nil
}

// PendingCount counts every queued operation.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	counts, err := o.PendingByUser(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Pending lists the outbox of one user in replay order, stalled operations
// included.
func (o *Orchestrator) Pending(ctx context.Context, userID string) ([]models.QueuedOperation, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}
	ops, err := o.deps.Queue.ListOperations(ctx, models.QueueFilter{OwnerUserID: userID, IncludeStalled: true})
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.table.Sort(ops), nil
}

// Online reports the connectivity flag. Without a monitor the device is
// assumed online.
func (o *Orchestrator) Online() bool {
	return o.deps.Connectivity == nil || o.deps.Connectivity.Online()
}

// Processing reports whether a pass is running.
func (o *Orchestrator) Processing() bool {
	return o.processing.Load()
}

// Stats collects the introspection values in one call.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	byUser, err := o.PendingByUser(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, n := range byUser {
		total += n
	}
	return Stats{
		Handlers:      o.HandlerCount(),
		Pending:       total,
		PendingByUser: byUser,
		Online:        o.Online(),
		Processing:    o.Processing(),
	}, nil
}
