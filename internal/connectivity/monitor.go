// Package connectivity tracks whether the remote system is reachable.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Pinger checks the remote system.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChangeFunc is called after the online flag flips.
type ChangeFunc func(ctx context.Context, online bool)

// Monitor holds the online flag and optionally probes the remote system.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   zerolog.Logger

	online atomic.Bool

	mu        sync.Mutex
	callbacks []ChangeFunc
}

// NewMonitor returns a monitor that starts in the given state. pinger may be
// nil when the flag is driven only by SetOnline.
func NewMonitor(pinger Pinger, interval time.Duration, initial bool, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Monitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger.With().Str("component", "connectivity").Logger(),
	}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers a callback for online/offline transitions.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetOnline updates the flag and fires callbacks when it changed.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.logger.Info().Bool("online", online).Msg("connectivity changed")

	m.mu.Lock()
	callbacks := append([]ChangeFunc(nil), m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		m.run(ctx, fn, online)
	}
}

func (m *Monitor) run(ctx context.Context, fn ChangeFunc, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connectivity callback panicked")
		}
	}()
	fn(ctx, online)
}

// Probe pings the remote system once and updates the flag.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		return m.Online()
	}
	pingCtx := ctx
	if m.interval > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, m.interval)
		defer cancel()
	}
	err := m.pinger.Ping(pingCtx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("remote health check failed")
	}
	m.SetOnline(ctx, err == nil)
	return err == nil
}

// Start probes immediately and then every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.pinger == nil || m.interval <= 0 {
		return
	}
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
