package multiagent

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"troupe/internal/domain"
	"troupe/internal/infra/tracer"
	"troupe/internal/usecase/dispatch"
)

// Turn is one character line produced during Converse.
type Turn struct {
	Agent    domain.AgentInfo `json:"agent"`
	Content  string           `json:"content"`
	Analysis string           `json:"analysis"`
	// Next is the speaker chosen after this line; nil only when the detector
	// gave no decision.
	Next *SpeakerView `json:"next_speaker,omitempty"`
}

// ConverseResult summarizes a Converse run.
type ConverseResult struct {
	Turns []Turn
	// Truncated is set when maxTurns stopped the loop before control returned
	// to the user.
	Truncated bool
}

// TurnFunc observes each turn as soon as it is produced. Returning an error
// stops the loop and the error is returned from Converse.
type TurnFunc func(Turn) error

// Converse runs a full exchange for one user message: the user dispatcher
// picks the first character, then the character dispatcher hands the floor
// from character to character until it returns to the user or maxTurns
// character lines were produced. maxTurns <= 0 uses the configured default.
func (s *Service) Converse(ctx context.Context, sessionID, message string, maxTurns int, onTurn TurnFunc) (ConverseResult, error) {
	if maxTurns <= 0 {
		maxTurns = s.maxAutoTurns
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.converse",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sessionID),
			tracer.IntAttr("turns.max", maxTurns),
		))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return ConverseResult{}, err
	}
	defer unlock()

	cast, err := s.registry.GetOrCreate(sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return ConverseResult{}, err
	}

	picked, err := s.dispatchLocked(ctx, sessionID, cast, message)
	if err != nil {
		tracer.RecordError(span, err)
		return ConverseResult{}, err
	}
	if picked.Selected == nil {
		err := domain.NewDomainError("Service.Converse", domain.ErrAgentNotFound, "cast has no characters")
		tracer.RecordError(span, err)
		return ConverseResult{}, err
	}

	var (
		result  ConverseResult
		speaker = picked.Selected
		prompt  = message
	)
	for {
		reply, err := s.chatLocked(ctx, sessionID, speaker, prompt)
		if err != nil {
			tracer.RecordError(span, err)
			return result, err
		}
		next, err := s.nextSpeakerLocked(ctx, sessionID, cast, speaker.Name(), reply, speaker)
		if err != nil {
			tracer.RecordError(span, err)
			return result, err
		}

		turn := Turn{
			Agent:    speaker.Info(),
			Content:  reply,
			Analysis: next.Analysis,
			Next:     s.speakerView(cast, next.Next),
		}
		result.Turns = append(result.Turns, turn)
		if onTurn != nil {
			if err := onTurn(turn); err != nil {
				return result, err
			}
		}

		if next.Next.Kind != domain.SpeakerAgent {
			break
		}
		if len(result.Turns) >= maxTurns {
			result.Truncated = true
			break
		}
		prompt = dispatch.BuildCharacterTurnPrompt(speaker.Name(), reply)
		speaker = next.Next.Agent
	}

	span.SetAttributes(tracer.IntAttr("turns.count", len(result.Turns)))
	s.logger.Info("conversation round completed",
		"session_id", sessionID,
		"turns", len(result.Turns),
		"truncated", result.Truncated)
	tracer.SetOK(span)
	return result, nil
}
