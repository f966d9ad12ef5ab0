package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"troupe/internal/domain"
)

// fakeReply is one scripted backend turn.
type fakeReply struct {
	text  string
	token string
	err   error // returned from Stream
	// streamErr is emitted as an EventError after the text.
	streamErr error
	// hang sends the text, then waits for ctx and closes the stream without
	// completing, like a connection dropped on cancellation.
	hang bool
}

type fakeBackend struct {
	mu       sync.Mutex
	replies  []fakeReply
	requests []domain.StreamRequest
}

func newFakeBackend(replies ...fakeReply) *fakeBackend {
	return &fakeBackend{replies: replies}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var r fakeReply
	if len(f.replies) > 0 {
		r = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if r.hang {
		ch := make(chan domain.StreamEvent, 1)
		ch <- domain.StreamEvent{Kind: domain.EventDelta, Content: r.text}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	ch := make(chan domain.StreamEvent, 4)
	// Split the text to exercise delta accumulation.
	half := len(r.text) / 2
	if half > 0 {
		ch <- domain.StreamEvent{Kind: domain.EventDelta, Content: r.text[:half]}
	}
	ch <- domain.StreamEvent{Kind: domain.EventDelta, Content: r.text[half:]}
	if r.streamErr != nil {
		ch <- domain.StreamEvent{Kind: domain.EventError, Err: r.streamErr}
	}
	ch <- domain.StreamEvent{Kind: domain.EventCompleted, ContinuationToken: r.token}
	close(ch)
	return ch, nil
}

func (f *fakeBackend) calls() []domain.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StreamRequest(nil), f.requests...)
}

var errBoom = errors.New("boom")

func mustCharacter(t *testing.T, id, name string, deps AgentDeps) *CharacterAgent {
	t.Helper()
	c, err := NewCharacterAgent(domain.AgentIdentity{ID: id, Name: name, Description: name + " desc"}, domain.DefaultSpeakingWillingness, deps)
	if err != nil {
		t.Fatalf("NewCharacterAgent(%q): %v", name, err)
	}
	return c
}

func newTestDispatcher(t *testing.T, backend *fakeBackend, names ...string) *DispatcherAgent {
	t.Helper()
	deps := AgentDeps{Backend: backend, UserID: "u1"}
	roster := make([]*CharacterAgent, 0, len(names))
	for i, n := range names {
		roster = append(roster, mustCharacter(t, "c"+string(rune('0'+i)), n, deps))
	}
	return NewDispatcherAgent(domain.AgentIdentity{ID: "d1", Name: "detector"}, roster, deps)
}
