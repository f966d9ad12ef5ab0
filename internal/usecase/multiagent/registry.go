package multiagent

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"troupe/internal/domain"
)

// discardLogger returns a no-op logger for components created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SessionStatus is a snapshot of one live session.
type SessionStatus struct {
	ID       string    `json:"id"`
	LastUsed time.Time `json:"last_used"`
}

type sessionEntry struct {
	cast     *Cast
	lastUsed time.Time
}

// Registry maps session IDs to their casts. A cast lives until the session
// is reset or reaped.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	factory  *CastFactory
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty Registry backed by factory.
func NewRegistry(factory *CastFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		factory:  factory,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCreate returns the session's cast, building it on first use.
func (r *Registry) GetOrCreate(sessionID string) (*Cast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok {
		e.lastUsed = r.now()
		return e.cast, nil
	}
	cast, err := r.factory.Build(sessionID)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionID] = &sessionEntry{cast: cast, lastUsed: r.now()}
	r.logger.Info("session cast created", "session_id", sessionID, "characters", len(cast.Characters))
	return cast, nil
}

// Get returns the session's cast or ErrSessionNotFound.
func (r *Registry) Get(sessionID string) (*Cast, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return e.cast, nil
}

// Reset drops the session's cast. Returns ErrSessionNotFound if absent.
func (r *Registry) Reset(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	r.logger.Info("session cast reset", "session_id", sessionID)
	return nil
}

// ResetDispatcher replaces one dispatcher of the session's cast with a fresh,
// uninitialized instance. It reports whether dispatcherID named a dispatcher.
// A missing session is not an error: its next cast starts fresh anyway.
func (r *Registry) ResetDispatcher(sessionID, dispatcherID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return r.factory.IsDispatcherID(dispatcherID)
	}
	rebuilt, ok := r.factory.RebuildDispatcher(e.cast, dispatcherID, sessionID)
	if !ok {
		return false
	}
	e.cast = rebuilt
	r.logger.Info("dispatcher reset", "session_id", sessionID, "dispatcher_id", dispatcherID)
	return true
}

// Sessions returns a snapshot of live sessions sorted by ID.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionStatus, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, SessionStatus{ID: id, LastUsed: e.lastUsed})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// ReapIdle removes sessions unused for longer than ttl and returns their IDs.
func (r *Registry) ReapIdle(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var reaped []string
	for id, e := range r.sessions {
		if e.lastUsed.Before(cutoff) {
			delete(r.sessions, id)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	if len(reaped) > 0 {
		r.logger.Info("idle sessions reaped", "count", len(reaped))
	}
	return reaped
}
