package engine

import (
	"context"

	"fieldsync/internal/models"
)

// Handler applies queued operations of one entity type to the remote system.
// Handle may be called more than once for the same operation.
type Handler interface {
	EntityType() string
	Handle(ctx context.Context, op *models.QueuedOperation) error
}

// LoginSyncer pulls server state after authentication.
type LoginSyncer interface {
	SyncOnLogin(ctx context.Context) error
}

// Notifier receives the result of every processed operation.
type Notifier interface {
	OnSuccess(entityType, kind, entityID string)
	OnError(entityType, kind string, failure models.Failure, entityID string)
}

// KindRanker declares precedence ranks for the handler's operation kinds.
type KindRanker interface {
	KindRanks() map[string]int
}

// SubtypeRanker declares precedence ranks for the entity's sub-types.
type SubtypeRanker interface {
	SubtypeRanks() map[string]int
}

// ShadowCleaner removes the local entity created alongside an operation that
// the user discards.
type ShadowCleaner interface {
	DiscardLocal(ctx context.Context, op *models.QueuedOperation) error
}
