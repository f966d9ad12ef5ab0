package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"troupe/internal/domain"
	"troupe/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerBackend wraps a ConversationalBackend with circuit breaker
// protection on stream initiation. Errors delivered inside an opened stream
// do not count against the breaker.
type CircuitBreakerBackend struct {
	inner   domain.ConversationalBackend
	breaker *gobreaker.CircuitBreaker[<-chan domain.StreamEvent]
	logger  *slog.Logger
}

// NewCircuitBreaker wraps inner with a circuit breaker. Zero config values
// fall back to defaults.
func NewCircuitBreaker(inner domain.ConversationalBackend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	if logger == nil {
		logger = discardLogger()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[<-chan domain.StreamEvent](gobreaker.Settings{
		Name:        "backend:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerBackend{inner: inner, breaker: cb, logger: logger}
}

// Stream implements domain.ConversationalBackend.
func (b *CircuitBreakerBackend) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	ch, err := b.breaker.Execute(func() (<-chan domain.StreamEvent, error) {
		return b.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: backend %q circuit open: %w", domain.ErrProviderError, b.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// Name implements domain.ConversationalBackend.
func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// State returns the current breaker state.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current breaker counters.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.ConversationalBackend = (*CircuitBreakerBackend)(nil)
