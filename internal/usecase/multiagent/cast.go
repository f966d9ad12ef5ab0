package multiagent

import (
	"fmt"
	"log/slog"

	"troupe/internal/domain"
	"troupe/internal/usecase/dispatch"
)

// CharacterSpec describes one character of the cast.
type CharacterSpec struct {
	Identity            domain.AgentIdentity
	SpeakingWillingness int
}

// CastSpec is the static description every session cast is built from.
type CastSpec struct {
	Characters          []CharacterSpec
	UserDispatcher      domain.AgentIdentity
	CharacterDispatcher domain.AgentIdentity
	UserToken           string // literal the character dispatcher uses for the end user
}

// Cast is the set of agents owned by one session. The dispatchers' rosters
// share the Characters instances.
type Cast struct {
	Characters          []*dispatch.CharacterAgent
	UserDispatcher      *dispatch.DispatcherAgent
	CharacterDispatcher *dispatch.DispatcherAgent
}

// Character returns the character with the given ID, or nil.
func (c *Cast) Character(id string) *dispatch.CharacterAgent {
	for _, ch := range c.Characters {
		if ch.ID() == id {
			return ch
		}
	}
	return nil
}

// Dispatcher returns the dispatcher with the given ID, or nil.
func (c *Cast) Dispatcher(id string) *dispatch.DispatcherAgent {
	switch id {
	case c.UserDispatcher.ID():
		return c.UserDispatcher
	case c.CharacterDispatcher.ID():
		return c.CharacterDispatcher
	}
	return nil
}

// CastFactory builds per-session casts against a shared backend.
type CastFactory struct {
	spec    CastSpec
	backend domain.ConversationalBackend
	logger  *slog.Logger
}

// NewCastFactory validates spec and returns a factory for it.
func NewCastFactory(spec CastSpec, backend domain.ConversationalBackend, logger *slog.Logger) (*CastFactory, error) {
	if logger == nil {
		logger = discardLogger()
	}
	seen := make(map[string]bool, len(spec.Characters))
	for _, c := range spec.Characters {
		if err := dispatch.ValidateSpeakingWillingness(c.SpeakingWillingness); err != nil {
			return nil, fmt.Errorf("character %q: %w", c.Identity.ID, err)
		}
		if seen[c.Identity.ID] {
			return nil, fmt.Errorf("character %q: %w", c.Identity.ID, domain.ErrDuplicate)
		}
		seen[c.Identity.ID] = true
	}
	if spec.UserDispatcher.ID == "" || spec.CharacterDispatcher.ID == "" {
		return nil, &domain.ValidationError{Field: "dispatcher.id", Value: "", Reason: "must not be empty"}
	}
	if spec.UserToken == "" {
		spec.UserToken = dispatch.DefaultUserToken
	}
	return &CastFactory{spec: spec, backend: backend, logger: logger}, nil
}

// UserToken returns the literal that designates the end user.
func (f *CastFactory) UserToken() string { return f.spec.UserToken }

// IsDispatcherID reports whether id names one of the configured dispatchers.
func (f *CastFactory) IsDispatcherID(id string) bool {
	return id == f.spec.UserDispatcher.ID || id == f.spec.CharacterDispatcher.ID
}

// Build creates a fresh cast whose agents talk to the backend as userID.
func (f *CastFactory) Build(userID string) (*Cast, error) {
	deps := f.deps(userID)
	characters := make([]*dispatch.CharacterAgent, 0, len(f.spec.Characters))
	for _, c := range f.spec.Characters {
		agent, err := dispatch.NewCharacterAgent(c.Identity, c.SpeakingWillingness, deps)
		if err != nil {
			return nil, fmt.Errorf("build character %q: %w", c.Identity.ID, err)
		}
		characters = append(characters, agent)
	}
	return &Cast{
		Characters:          characters,
		UserDispatcher:      f.newDispatcher(f.spec.UserDispatcher, characters, deps),
		CharacterDispatcher: f.newDispatcher(f.spec.CharacterDispatcher, characters, deps),
	}, nil
}

// RebuildDispatcher returns a copy of cast with the dispatcher dispatcherID
// replaced by an uninitialized one. ok is false when dispatcherID names
// neither dispatcher.
func (f *CastFactory) RebuildDispatcher(cast *Cast, dispatcherID, userID string) (rebuilt *Cast, ok bool) {
	next := *cast
	deps := f.deps(userID)
	switch dispatcherID {
	case cast.UserDispatcher.ID():
		next.UserDispatcher = f.newDispatcher(f.spec.UserDispatcher, cast.Characters, deps)
	case cast.CharacterDispatcher.ID():
		next.CharacterDispatcher = f.newDispatcher(f.spec.CharacterDispatcher, cast.Characters, deps)
	default:
		return cast, false
	}
	return &next, true
}

func (f *CastFactory) newDispatcher(identity domain.AgentIdentity, roster []*dispatch.CharacterAgent, deps dispatch.AgentDeps) *dispatch.DispatcherAgent {
	return dispatch.NewDispatcherAgent(identity, roster, deps, dispatch.WithUserToken(f.spec.UserToken))
}

func (f *CastFactory) deps(userID string) dispatch.AgentDeps {
	return dispatch.AgentDeps{
		Backend: f.backend,
		UserID:  userID,
		Logger:  f.logger.With("session_id", userID),
	}
}
