package domain

import "context"

// Continuation token keys used by the orchestrator. Character agents use their own ID.
const (
	TokenKeyDispatcher          = "dispatcher"
	TokenKeyCharacterDispatcher = "character_dispatcher"
)

// TokenStore persists per-(session, agent) continuation tokens.
// Tokens are opaque; the store never interprets them.
type TokenStore interface {
	Get(ctx context.Context, sessionID, key string) (token string, ok bool, err error)
	Put(ctx context.Context, sessionID, key, token string) error
	Delete(ctx context.Context, sessionID, key string) error
	DeleteSession(ctx context.Context, sessionID string) error
}
