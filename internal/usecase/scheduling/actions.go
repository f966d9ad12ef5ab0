package scheduling

import (
	"context"
	"log/slog"
	"time"
)

// SessionReaper drops sessions idle for longer than ttl.
type SessionReaper interface {
	ReapIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// TokenPruner deletes continuation tokens not updated since cutoff.
type TokenPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionReapAction builds the handler for ActionSessionReap.
func SessionReapAction(reaper SessionReaper, ttl time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := reaper.ReapIdle(ctx, ttl)
		if n > 0 {
			logger.Info("idle sessions reaped", "count", n, "ttl", ttl)
		}
		return err
	}
}

// TokenPruneAction builds the handler for ActionTokenPrune.
func TokenPruneAction(pruner TokenPruner, retention time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := pruner.PruneBefore(ctx, time.Now().Add(-retention))
		if n > 0 {
			logger.Info("stale continuation tokens pruned", "count", n, "retention", retention)
		}
		return err
	}
}
