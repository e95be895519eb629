package repository

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/models"
)

// MemorySessionRepository keeps sessions in process memory.
type MemorySessionRepository struct {
	sessions sync.Map
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{}
}

func (r *MemorySessionRepository) GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	val, ok := r.sessions.Load(deviceID)
	if !ok {
		return nil, nil
	}
	s := *val.(*models.DeviceSession)
	return &s, nil
}

func (r *MemorySessionRepository) SetSession(ctx context.Context, session *models.DeviceSession) error {
	s := *session
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	r.sessions.Store(s.DeviceID, &s)
	return nil
}

func (r *MemorySessionRepository) ClearSession(ctx context.Context, deviceID string) error {
	r.sessions.Delete(deviceID)
	return nil
}
