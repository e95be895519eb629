package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DeviceSession), args.Error(1)
}

func (m *mockRepo) SetSession(ctx context.Context, session *models.DeviceSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockRepo) ClearSession(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func TestFailoverSessionRepository(t *testing.T) {
	primary := new(mockRepo)
	fallback := new(mockRepo)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverSessionRepository(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "d1"}
		primary.On("GetSession", ctx, "d1").Return(session, nil).Once()

		got, err := repo.GetSession(ctx, "d1")
		assert.NoError(t, err)
		assert.Equal(t, session, got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "d2"}
		primary.On("GetSession", ctx, "d2").Return(nil, errors.New("fail")).Once()
		fallback.On("GetSession", ctx, "d2").Return(session, nil).Once()

		got, err := repo.GetSession(ctx, "d2")
		assert.NoError(t, err)
		assert.Equal(t, session, got)
		assert.True(t, repo.isDown.Load())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "d3"}
		fallback.On("SetSession", ctx, session).Return(nil).Once()
		fallback.On("ClearSession", ctx, "d3").Return(nil).Once()

		assert.NoError(t, repo.SetSession(ctx, session))
		assert.NoError(t, repo.ClearSession(ctx, "d3"))
		primary.AssertNotCalled(t, "SetSession", ctx, session)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		session := &models.DeviceSession{DeviceID: "d4"}
		primary.On("GetSession", ctx, "d4").Return(session, nil).Once()

		got, err := repo.GetSession(ctx, "d4")
		assert.NoError(t, err)
		assert.Equal(t, session, got)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("SetFailover", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "d5"}
		primary.On("SetSession", ctx, session).Return(errors.New("fail")).Once()
		fallback.On("SetSession", ctx, session).Return(nil).Once()

		err := repo.SetSession(ctx, session)
		assert.NoError(t, err)
		assert.True(t, repo.isDown.Load())
	})

	t.Run("ClearFailover", func(t *testing.T) {
		repo.isDown.Store(false)
		primary.On("ClearSession", ctx, "d6").Return(errors.New("fail")).Once()
		fallback.On("ClearSession", ctx, "d6").Return(nil).Once()

		err := repo.ClearSession(ctx, "d6")
		assert.NoError(t, err)
		assert.True(t, repo.isDown.Load())
	})
}
