package engine

import (
	"errors"

	"fieldsync/internal/domain"
)

var (
	ErrMissingOwner     = errors.New("engine: operation has no owner user")
	ErrInvalidOperation = errors.New("engine: operation needs an entity type and kind")
	ErrDuplicateHandler = errors.New("engine: handler already registered")
	ErrInvalidHandler   = errors.New("engine: handler has no entity type")
	ErrNotFound         = domain.ErrNotFound
)
