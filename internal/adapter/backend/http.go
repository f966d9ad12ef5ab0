package backend

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"troupe/internal/domain"
	"troupe/internal/infra/config"
)

// Default connection pool settings: one host, moderate concurrency,
// long-lived streaming connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Default backend timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client for a streaming backend. The client
// carries no overall timeout; a stream lives as long as its request context.
func NewHTTPClient(cfg config.BackendConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}

// New builds the backend named by cfg.Type, wrapped in a circuit breaker
// when enabled.
func New(cfg config.BackendConfig, logger *slog.Logger) (domain.ConversationalBackend, error) {
	if logger == nil {
		logger = discardLogger()
	}
	var b domain.ConversationalBackend
	switch cfg.Type {
	case "coze", "":
		b = NewCoze(CozeConfig{
			BaseURL:  cfg.BaseURL,
			APIToken: cfg.APIToken,
			Client:   NewHTTPClient(cfg),
		}, logger)
	case "scripted":
		b = NewScripted(cfg.Scripted.Replies, logger)
	default:
		return nil, domain.NewSubSystemError("backend", "backend.New", domain.ErrNotFound,
			fmt.Sprintf("unknown backend type %q", cfg.Type))
	}

	if cfg.CircuitBreaker.Enabled {
		b = NewCircuitBreaker(b, cfg.CircuitBreaker, logger)
	}
	return b, nil
}
