package backend

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"troupe/internal/domain"
)

// rosterPrefix opens every roster announcement sent to a dispatcher.
const rosterPrefix = "可用的智能体有："

// scriptedChunk is the rune length of each delta the scripted backend emits.
const scriptedChunk = 8

// ScriptedBackend is an offline backend for development and demos. Each
// persona replies from its own queue; roster announcements are acknowledged
// with "OK" and anything else is echoed once the queue is empty.
type ScriptedBackend struct {
	mu      sync.Mutex
	replies map[string][]string
	logger  *slog.Logger
}

// NewScripted creates a scripted backend. replies maps a persona ID to the
// replies it gives, in order.
func NewScripted(replies map[string][]string, logger *slog.Logger) *ScriptedBackend {
	if logger == nil {
		logger = discardLogger()
	}
	queues := make(map[string][]string, len(replies))
	for persona, r := range replies {
		queues[persona] = append([]string(nil), r...)
	}
	return &ScriptedBackend{replies: queues, logger: logger}
}

// Name implements domain.ConversationalBackend.
func (s *ScriptedBackend) Name() string { return "scripted" }

// Enqueue appends replies to a persona's queue.
func (s *ScriptedBackend) Enqueue(personaID string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[personaID] = append(s.replies[personaID], replies...)
}

// Stream implements domain.ConversationalBackend.
func (s *ScriptedBackend) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply := s.next(req)
	token := req.ContinuationToken
	if token == "" {
		token = "scripted-" + ulid.Make().String()
	}
	s.logger.Debug("scripted reply", "persona", req.PersonaID, "reply", reply)

	ch := make(chan domain.StreamEvent, 4)
	go func() {
		defer close(ch)
		cancelled := func() {
			select {
			case ch <- domain.StreamEvent{Kind: domain.EventError, Err: ctx.Err()}:
			default:
			}
		}
		for _, chunk := range chunkRunes(reply, scriptedChunk) {
			select {
			case ch <- domain.StreamEvent{Kind: domain.EventDelta, Content: chunk}:
			case <-ctx.Done():
				cancelled()
				return
			}
		}
		select {
		case ch <- domain.StreamEvent{Kind: domain.EventCompleted, ContinuationToken: token}:
		case <-ctx.Done():
			cancelled()
		}
	}()
	return ch, nil
}

func (s *ScriptedBackend) next(req domain.StreamRequest) string {
	if strings.HasPrefix(req.Message, rosterPrefix) {
		return "OK"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.replies[req.PersonaID]; len(q) > 0 {
		s.replies[req.PersonaID] = q[1:]
		return q[0]
	}
	return req.Message
}

// chunkRunes splits s into pieces of at most n runes.
func chunkRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/n+1)
	for len(runes) > n {
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return append(chunks, string(runes))
}

var _ domain.ConversationalBackend = (*ScriptedBackend)(nil)
