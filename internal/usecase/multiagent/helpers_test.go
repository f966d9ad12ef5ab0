package multiagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"troupe/internal/domain"
)

// personaBackend replies per persona from scripted queues. Dispatchers answer
// roster announcements with OK automatically. Every reply carries a token
// "<persona>-<n>".
type personaBackend struct {
	mu       sync.Mutex
	queues   map[string][]string
	fail     map[string]error
	requests []domain.StreamRequest
	counter  int
}

func newPersonaBackend() *personaBackend {
	return &personaBackend{queues: make(map[string][]string), fail: make(map[string]error)}
}

func (b *personaBackend) script(persona string, replies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[persona] = append(b.queues[persona], replies...)
}

func (b *personaBackend) Name() string { return "persona" }

func (b *personaBackend) Stream(_ context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	if err := b.fail[req.PersonaID]; err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var reply string
	switch {
	case strings.HasPrefix(req.Message, "可用的智能体有："):
		reply = "OK"
	case len(b.queues[req.PersonaID]) > 0:
		reply = b.queues[req.PersonaID][0]
		b.queues[req.PersonaID] = b.queues[req.PersonaID][1:]
	default:
		reply = "echo: " + req.Message
	}
	b.counter++
	token := fmt.Sprintf("%s-%d", req.PersonaID, b.counter)
	b.mu.Unlock()

	ch := make(chan domain.StreamEvent, 2)
	ch <- domain.StreamEvent{Kind: domain.EventDelta, Content: reply}
	ch <- domain.StreamEvent{Kind: domain.EventCompleted, ContinuationToken: token}
	close(ch)
	return ch, nil
}

func (b *personaBackend) requestsFor(persona string) []domain.StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamRequest
	for _, r := range b.requests {
		if r.PersonaID == persona {
			out = append(out, r)
		}
	}
	return out
}

// memTokens is an in-memory domain.TokenStore.
type memTokens struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMemTokens() *memTokens { return &memTokens{data: make(map[string]map[string]string)} }

func (m *memTokens) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.data[sessionID][key]
	return tok, ok, nil
}

func (m *memTokens) Put(_ context.Context, sessionID, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[sessionID] == nil {
		m.data[sessionID] = make(map[string]string)
	}
	m.data[sessionID][key] = token
	return nil
}

func (m *memTokens) Delete(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[sessionID], key)
	return nil
}

func (m *memTokens) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	return nil
}

func testSpec() CastSpec {
	return CastSpec{
		Characters: []CharacterSpec{
			{Identity: domain.AgentIdentity{ID: "det", Name: "Detective", Description: "solves"}, SpeakingWillingness: 5},
			{Identity: domain.AgentIdentity{ID: "sus", Name: "Suspect", Description: "hides"}, SpeakingWillingness: 3},
			{Identity: domain.AgentIdentity{ID: "wit", Name: "Witness", Description: "saw"}, SpeakingWillingness: 7},
		},
		UserDispatcher:      domain.AgentIdentity{ID: "ud", Name: "UserDetector"},
		CharacterDispatcher: domain.AgentIdentity{ID: "cd", Name: "CharDetector"},
	}
}

func newTestService(t *testing.T) (*Service, *personaBackend, *memTokens) {
	t.Helper()
	backend := newPersonaBackend()
	factory, err := NewCastFactory(testSpec(), backend, nil)
	if err != nil {
		t.Fatalf("NewCastFactory: %v", err)
	}
	tokens := newMemTokens()
	svc := NewService(NewRegistry(factory, nil), tokens, ServiceConfig{}, nil)
	return svc, backend, tokens
}
