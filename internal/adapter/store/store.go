// Package store persists per-session continuation tokens.
package store

import (
	"context"
	"fmt"
	"time"

	"troupe/internal/domain"
	"troupe/internal/infra/config"
)

// Store is a TokenStore that can prune stale tokens and release its resources.
type Store interface {
	domain.TokenStore
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// New opens the token store named by cfg.Type.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryTokenStore(), nil
	case "sqlite":
		s, err := NewSQLiteTokenStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, domain.NewDomainError("store.New", domain.ErrInvalidInput, fmt.Sprintf("unknown store type %q", cfg.Type))
	}
}
