package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSessionRepository reads from the primary store and switches to the
// fallback while the primary is failing.
type FailoverSessionRepository struct {
	primary   domain.SessionRepository
	fallback  domain.SessionRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverSessionRepository(primary, fallback domain.SessionRepository, logger *zerolog.Logger) *FailoverSessionRepository {
	return &FailoverSessionRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverSessionRepository) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary session repository failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverSessionRepository) shouldRetryPrimary() bool {
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverSessionRepository) GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	if !r.isDown.Load() {
		session, err := r.primary.GetSession(ctx, deviceID)
		if err == nil {
			return session, nil
		}
		r.markDown(err)
	}

	if r.isDown.Load() && r.shouldRetryPrimary() {
		session, err := r.primary.GetSession(ctx, deviceID)
		if err == nil {
			r.isDown.Store(false)
			r.logger.Info().Msg("Primary session repository recovered")
			return session, nil
		}
		r.lastCheck.Store(time.Now().UnixNano())
	}

	return r.fallback.GetSession(ctx, deviceID)
}

func (r *FailoverSessionRepository) SetSession(ctx context.Context, session *models.DeviceSession) error {
	if !r.isDown.Load() {
		err := r.primary.SetSession(ctx, session)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetSession(ctx, session)
}

func (r *FailoverSessionRepository) ClearSession(ctx context.Context, deviceID string) error {
	if !r.isDown.Load() {
		err := r.primary.ClearSession(ctx, deviceID)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.ClearSession(ctx, deviceID)
}

// DeviceSessions binds a session repository to this device.
type DeviceSessions struct {
	repo     domain.SessionRepository
	deviceID string
}

func NewDeviceSessions(repo domain.SessionRepository, deviceID string) *DeviceSessions {
	return &DeviceSessions{repo: repo, deviceID: deviceID}
}

// CurrentSession returns the session of this device, nil when nobody is
// signed in.
func (d *DeviceSessions) CurrentSession(ctx context.Context) (*models.DeviceSession, error) {
	return d.repo.GetSession(ctx, d.deviceID)
}
