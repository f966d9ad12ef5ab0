// Package dispatch implements the agents that sit on top of a conversational
// backend: plain agents, character personas, and the dispatchers that decide
// which character speaks next.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"troupe/internal/domain"
	"troupe/internal/infra/tracer"
)

// Participant is anything that can take a turn against the backend.
// *Agent, *CharacterAgent and *DispatcherAgent all satisfy it.
type Participant interface {
	Info() domain.AgentInfo
	Chat(ctx context.Context, message, continuationToken string) (ChatResult, error)
}

// AgentDeps holds injected dependencies shared by every agent kind.
type AgentDeps struct {
	Backend domain.ConversationalBackend
	UserID  string       // end-user identifier forwarded to the backend
	Logger  *slog.Logger // optional, nil = discard
}

// ChatResult is the outcome of one exchange with the backend.
type ChatResult struct {
	Response string
	// ContinuationToken is empty when the backend completed without issuing one,
	// in which case the exchange is not chained.
	ContinuationToken string
}

// Agent drives single-turn exchanges against the backend under one persona.
type Agent struct {
	identity domain.AgentIdentity
	deps     AgentDeps
	logger   *slog.Logger
}

// NewAgent creates an agent bound to identity.
func NewAgent(identity domain.AgentIdentity, deps AgentDeps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Agent{
		identity: identity,
		deps:     deps,
		logger:   logger.With("agent_id", identity.ID),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ID returns the persona ID.
func (a *Agent) ID() string { return a.identity.ID }

// Name returns the persona display name.
func (a *Agent) Name() string { return a.identity.Name }

// Identity returns the immutable persona identity.
func (a *Agent) Identity() domain.AgentIdentity { return a.identity }

// Info returns the public view of the agent.
func (a *Agent) Info() domain.AgentInfo {
	return domain.AgentInfo{
		ID:          a.identity.ID,
		Name:        a.identity.Name,
		Description: a.identity.Description,
	}
}

// Chat sends message under this agent's identity and accumulates the streamed
// reply. The stream is always consumed to the end. Backend errors are returned
// as-is and never retried.
func (a *Agent) Chat(ctx context.Context, message, continuationToken string) (ChatResult, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.chat",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.identity.ID),
			tracer.StringAttr("backend", a.deps.Backend.Name()),
		))
	defer span.End()

	events, err := a.deps.Backend.Stream(ctx, domain.StreamRequest{
		PersonaID:         a.identity.ID,
		UserID:            a.deps.UserID,
		Message:           message,
		ContinuationToken: continuationToken,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return ChatResult{}, err
	}

	var (
		reply    strings.Builder
		result   ChatResult
		firstErr error
	)
	for ev := range events {
		switch ev.Kind {
		case domain.EventDelta:
			reply.WriteString(ev.Content)
		case domain.EventCompleted:
			if ev.ContinuationToken != "" {
				result.ContinuationToken = ev.ContinuationToken
			}
		case domain.EventError:
			if firstErr == nil {
				firstErr = ev.Err
			}
		}
	}
	if firstErr != nil {
		tracer.RecordError(span, firstErr)
		return ChatResult{}, firstErr
	}
	// A stream cut short by cancellation is never a reply.
	if err := ctx.Err(); err != nil {
		tracer.RecordError(span, err)
		return ChatResult{}, err
	}

	result.Response = reply.String()
	a.logger.Debug("chat completed",
		"chained", continuationToken != "",
		"token_issued", result.ContinuationToken != "",
		"reply_len", len(result.Response))
	tracer.SetOK(span)
	return result, nil
}
