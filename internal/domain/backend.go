package domain

import "context"

// StreamEventKind tags a single event emitted by a ConversationalBackend.
type StreamEventKind int

const (
	// EventDelta carries an incremental fragment of the reply text.
	EventDelta StreamEventKind = iota + 1
	// EventCompleted marks the end of the turn and may carry a continuation token.
	EventCompleted
	// EventError reports a failure after the stream was opened.
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of a backend reply stream.
type StreamEvent struct {
	Kind              StreamEventKind
	Content           string // EventDelta
	ContinuationToken string // EventCompleted; empty when the backend issued none
	Err               error  // EventError
}

// StreamRequest is a single turn sent to the backend under a persona.
type StreamRequest struct {
	PersonaID         string
	UserID            string
	Message           string
	ContinuationToken string // empty = start a new conversation
}

// ConversationalBackend is the opaque chat engine behind every agent.
// The returned channel is finite and closed by the backend when the turn ends.
type ConversationalBackend interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
	Name() string
}
