// Package poller asks the remote system what changed since the last check
// and triggers a full resync when something did.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Mode selects the polling interval.
type Mode int

const (
	ModeActive Mode = iota
	ModeBackground
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeBackground:
		return "background"
	case ModeOffline:
		return "offline"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "active":
		return ModeActive, nil
	case "background":
		return ModeBackground, nil
	case "offline":
		return ModeOffline, nil
	default:
		return 0, fmt.Errorf("unknown polling mode %q", s)
	}
}

const (
	DefaultActiveInterval     = 15 * time.Minute
	DefaultBackgroundInterval = 30 * time.Minute
)

// Outcome describes how a tick ended.
type Outcome string

const (
	OutcomeOffline     Outcome = "offline"
	OutcomeNoSession   Outcome = "no_session"
	OutcomeLocked      Outcome = "locked"
	OutcomeUserChanged Outcome = "user_changed"
	OutcomeNoUpdates   Outcome = "no_updates"
	OutcomeUpdates     Outcome = "updates"
	OutcomeError       Outcome = "error"
)

// UserChangeFunc is called when a different user signs in on the device.
type UserChangeFunc func(ctx context.Context, previousUserID, currentUserID string)

// Options holds the polling intervals.
type Options struct {
	ActiveInterval     time.Duration
	BackgroundInterval time.Duration
	InitialMode        Mode
}

// Deps are the collaborators of the controller.
type Deps struct {
	Metadata     domain.MetadataStore
	Connectivity domain.Connectivity
	Sessions     domain.SessionProvider
	Remote       domain.DeltaChecker
	Resyncer     domain.Resyncer
	Outbox       domain.SyncTrigger
	Events       domain.EventPublisher
}

// Controller runs delta checks on a timer whose interval depends on the mode.
type Controller struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	mode      Mode
	callbacks []UserChangeFunc
	meta      *models.SyncMetadata
	cancel    context.CancelFunc
	done      chan struct{}
	reset     chan struct{}

	// tickMu serializes ticks and guards signedIn.
	tickMu   sync.Mutex
	signedIn bool
	now      func() time.Time
}

// New builds a controller.
func New(deps Deps, opts Options, logger *zerolog.Logger) (*Controller, error) {
	if deps.Metadata == nil || deps.Remote == nil || deps.Sessions == nil {
		return nil, errors.New("poller: metadata store, session provider and remote are required")
	}
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = DefaultActiveInterval
	}
	if opts.BackgroundInterval <= 0 {
		opts.BackgroundInterval = DefaultBackgroundInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "poller").Logger(),
		mode:   opts.InitialMode,
		reset:  make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

// OnUserChange registers a callback fired on device user switch.
func (c *Controller) OnUserChange(fn UserChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Start restores the persisted state, runs one tick and starts the timer.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("poller: already started")
	}
	c.mu.Unlock()

	if err := c.loadMetadata(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if _, err := c.tick(loopCtx); err != nil {
		c.logger.Warn().Err(err).Msg("initial delta check failed")
	}

	go c.loop(loopCtx, done)
	c.logger.Info().Str("mode", c.Mode().String()).Msg("poller started")
	return nil
}

// Stop ends the timer loop and waits for it.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info().Msg("poller stopped")
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the mode and reschedules the timer.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	changed := c.mode != mode
	c.mode = mode
	c.mu.Unlock()

	select {
	case c.reset <- struct{}{}:
	default:
	}
	if changed {
		c.logger.Info().Str("mode", mode.String()).Msg("polling mode changed")
	}
}

// ForceCheck runs a tick now.
func (c *Controller) ForceCheck(ctx context.Context) (Outcome, error) {
	return c.tick(ctx)
}

func (c *Controller) interval() (time.Duration, bool) {
	switch c.Mode() {
	case ModeActive:
		return c.opts.ActiveInterval, true
	case ModeBackground:
		return c.opts.BackgroundInterval, true
	default:
		return 0, false
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	schedule := func() <-chan time.Time {
		stopTimer()
		d, ok := c.interval()
		if !ok {
			return nil
		}
		timer = time.NewTimer(d)
		return timer.C
	}
	defer stopTimer()

	fire := schedule()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reset:
			fire = schedule()
		case <-fire:
			if _, err := c.tick(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("delta check failed")
			}
			fire = schedule()
		}
	}
}

func (c *Controller) loadMetadata(ctx context.Context) error {
	meta, err := c.deps.Metadata.LoadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("load sync metadata: %w", err)
	}
	if meta.DeltaCounters == nil {
		meta.DeltaCounters = map[string]int64{}
	}
	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()
	return nil
}

// Metadata returns a copy of the state the controller works with.
func (c *Controller) Metadata() models.SyncMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		return models.SyncMetadata{}
	}
	out := *c.meta
	out.DeltaCounters = make(map[string]int64, len(c.meta.DeltaCounters))
	for k, v := range c.meta.DeltaCounters {
		out.DeltaCounters[k] = v
	}
	return out
}

func (c *Controller) tick(ctx context.Context) (outcome Outcome, err error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	defer func() { metrics.IncPoll(string(outcome)) }()

	c.mu.Lock()
	loaded := c.meta != nil
	c.mu.Unlock()
	if !loaded {
		if err := c.loadMetadata(ctx); err != nil {
			return OutcomeError, err
		}
	}

	if c.deps.Connectivity != nil && !c.deps.Connectivity.Online() {
		return OutcomeOffline, nil
	}
	session, err := c.deps.Sessions.CurrentSession(ctx)
	if err != nil {
		return OutcomeError, fmt.Errorf("read session: %w", err)
	}
	if session == nil || !session.Authenticated || session.UserID == "" {
		c.signedIn = false
		return OutcomeNoSession, nil
	}
	if !session.Unlocked {
		return OutcomeLocked, nil
	}

	change, err := c.checkUser(ctx, session.UserID)
	if err != nil {
		return OutcomeError, err
	}
	switch {
	case change != userSame:
		// New user on the device: the entity cache is rebuilt from scratch.
		if err := c.login(ctx, true); err != nil {
			return OutcomeError, err
		}
		if change == userSwitched {
			return OutcomeUserChanged, nil
		}
	case !c.signedIn:
		if err := c.login(ctx, false); err != nil {
			return OutcomeError, err
		}
	}

	since := c.Metadata().LastSyncTimestamp
	resp, err := c.deps.Remote.CheckDeltas(ctx, since)
	if err != nil {
		// lastSyncTimestamp stays untouched; the next tick retries.
		return OutcomeError, fmt.Errorf("check deltas since %d: %w", since, err)
	}

	if !resp.HasUpdates {
		ts := resp.ServerTime
		if ts <= 0 {
			ts = c.now().UnixMilli()
		}
		if err := c.setLastSync(ctx, ts); err != nil {
			return OutcomeError, err
		}
		c.logger.Debug().Int64("server_time", ts).Msg("no remote updates")
		return OutcomeNoUpdates, nil
	}

	if err := c.deps.Metadata.SetDeltaCounters(ctx, resp.DeltaCounters); err != nil {
		return OutcomeError, fmt.Errorf("persist delta counters: %w", err)
	}
	c.mu.Lock()
	c.meta.DeltaCounters = make(map[string]int64, len(resp.DeltaCounters))
	for k, v := range resp.DeltaCounters {
		c.meta.DeltaCounters[k] = v
	}
	c.mu.Unlock()
	c.publish(events.EventRemoteUpdates, events.RemoteUpdatesPayload{DeltaCounters: resp.DeltaCounters, ServerTime: resp.ServerTime})

	c.logger.Info().Interface("delta_counters", resp.DeltaCounters).Msg("remote updates detected")
	if c.deps.Resyncer != nil {
		if err := c.deps.Resyncer.RunPostLoginSync(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("full resync failed")
		}
	}

	if err := c.setLastSync(ctx, c.now().UnixMilli()); err != nil {
		return OutcomeError, err
	}
	return OutcomeUpdates, nil
}

type userChange int

const (
	userSame userChange = iota
	userFirst
	userSwitched
)

// login runs the post-login sync once per signed-in session and requests an
// outbox pass. A full login pulls every entity from scratch.
func (c *Controller) login(ctx context.Context, full bool) error {
	if full {
		if err := c.setLastSync(ctx, 0); err != nil {
			return err
		}
	}
	if c.deps.Resyncer != nil {
		if err := c.deps.Resyncer.RunPostLoginSync(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("post-login sync failed")
		}
	}
	if full {
		if err := c.setLastSync(ctx, c.now().UnixMilli()); err != nil {
			return err
		}
	}
	c.signedIn = true
	if c.deps.Outbox != nil {
		c.deps.Outbox.TriggerSync(ctx)
	}
	c.logger.Info().Bool("full", full).Msg("post-login sync done")
	return nil
}

// checkUser detects a device user switch. The first user ever seen is
// recorded without firing callbacks.
func (c *Controller) checkUser(ctx context.Context, current string) (userChange, error) {
	c.mu.Lock()
	previous := c.meta.LastKnownUserID
	callbacks := append([]UserChangeFunc(nil), c.callbacks...)
	c.mu.Unlock()

	if previous == current {
		return userSame, nil
	}

	if previous != "" {
		c.logger.Info().Str("previous_user_id", previous).Str("current_user_id", current).Msg("device user changed")
		for _, fn := range callbacks {
			c.runCallback(ctx, fn, previous, current)
		}
		c.publish(events.EventUserChanged, events.UserChangedPayload{PreviousUserID: previous, CurrentUserID: current})
	}

	if err := c.deps.Metadata.SetLastKnownUserID(ctx, current); err != nil {
		return userSame, fmt.Errorf("persist last known user: %w", err)
	}
	c.mu.Lock()
	c.meta.LastKnownUserID = current
	c.mu.Unlock()

	if previous == "" {
		return userFirst, nil
	}
	return userSwitched, nil
}

func (c *Controller) runCallback(ctx context.Context, fn UserChangeFunc, previous, current string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("user change callback panicked")
		}
	}()
	fn(ctx, previous, current)
}

func (c *Controller) setLastSync(ctx context.Context, ts int64) error {
	if err := c.deps.Metadata.SetLastSyncTimestamp(ctx, ts); err != nil {
		return fmt.Errorf("persist last sync timestamp: %w", err)
	}
	c.mu.Lock()
	c.meta.LastSyncTimestamp = ts
	c.mu.Unlock()
	return nil
}

func (c *Controller) publish(eventType string, payload interface{}) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.PublishJSON(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
