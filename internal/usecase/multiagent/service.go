package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"troupe/internal/domain"
	"troupe/internal/infra/tracer"
	"troupe/internal/usecase/dispatch"
)

// Synthetic speakers that are not part of any cast.
const (
	SystemAgentID        = "system"
	SystemAgentName      = "系统"
	SmartModePlaceholder = "请稍等，正在为您智能选择最合适的智能体..."
	UserSpeakerID        = "user"
)

// DefaultMaxAutoTurns caps character turns in Converse when the caller does not.
const DefaultMaxAutoTurns = 3

// SpeakerView is an agent or the end user, tagged with its kind.
type SpeakerView struct {
	domain.AgentInfo
	Type domain.SpeakerKind `json:"type"`
}

// AgentsView lists a session's cast.
type AgentsView struct {
	Agents              []domain.AgentInfo `json:"agents"`
	Dispatcher          domain.AgentInfo   `json:"dispatcher"`
	CharacterDispatcher domain.AgentInfo   `json:"character_dispatcher"`
}

// DispatchOutput is the user dispatcher's decision.
type DispatchOutput struct {
	SelectedAgent *domain.AgentInfo `json:"selected_agent"`
	Analysis      string            `json:"dispatcher_analysis"`
	RawReply      string            `json:"-"`
}

// NextSpeakerInput is a character line submitted for next-speaker detection.
type NextSpeakerInput struct {
	CharacterName    string
	CharacterMessage string
	CurrentSpeakerID string
}

// NextSpeakerOutput is the character dispatcher's decision.
type NextSpeakerOutput struct {
	NextSpeaker    *SpeakerView
	Analysis       string
	RawReply       string
	CurrentSpeaker *domain.AgentInfo
}

// ChatInput is one user message addressed to an agent.
type ChatInput struct {
	SessionID    string
	Message      string
	AgentID      string
	SmartMode    bool
	AutoContinue bool
}

// ChatOutput is an agent's reply, optionally with the next-speaker decision.
type ChatOutput struct {
	Response      string
	Agent         domain.AgentInfo
	NextSpeaker   *SpeakerView
	Analysis      string
	DetectorReply string
}

// ServiceConfig tunes the orchestrator.
type ServiceConfig struct {
	MaxAutoTurns int
}

// Service orchestrates session casts, continuation tokens and per-session
// serialization.
type Service struct {
	registry     *Registry
	tokens       domain.TokenStore
	locker       *sessionLocker
	maxAutoTurns int
	logger       *slog.Logger
}

// NewService creates the orchestrator.
func NewService(registry *Registry, tokens domain.TokenStore, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.MaxAutoTurns <= 0 {
		cfg.MaxAutoTurns = DefaultMaxAutoTurns
	}
	return &Service{
		registry:     registry,
		tokens:       tokens,
		locker:       newSessionLocker(),
		maxAutoTurns: cfg.MaxAutoTurns,
		logger:       logger,
	}
}

// Registry exposes the session registry.
func (s *Service) Registry() *Registry { return s.registry }

// Agents lists the session's characters and both dispatchers.
func (s *Service) Agents(ctx context.Context, sessionID string) (AgentsView, error) {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return AgentsView{}, err
	}
	defer unlock()

	cast, err := s.registry.GetOrCreate(sessionID)
	if err != nil {
		return AgentsView{}, err
	}
	view := AgentsView{
		Agents:              make([]domain.AgentInfo, 0, len(cast.Characters)),
		Dispatcher:          cast.UserDispatcher.Info(),
		CharacterDispatcher: cast.CharacterDispatcher.Info(),
	}
	for _, c := range cast.Characters {
		view.Agents = append(view.Agents, c.Info())
	}
	return view, nil
}

// Dispatch asks the user dispatcher which character should answer message.
func (s *Service) Dispatch(ctx context.Context, sessionID, message string) (DispatchOutput, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.dispatch",
		trace.WithAttributes(tracer.StringAttr("session.id", sessionID)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return DispatchOutput{}, err
	}
	defer unlock()

	cast, err := s.registry.GetOrCreate(sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return DispatchOutput{}, err
	}
	res, err := s.dispatchLocked(ctx, sessionID, cast, message)
	if err != nil {
		tracer.RecordError(span, err)
		return DispatchOutput{}, err
	}

	out := DispatchOutput{Analysis: res.Analysis, RawReply: res.RawReply}
	if res.Selected != nil {
		info := res.Selected.Info()
		out.SelectedAgent = &info
	}
	tracer.SetOK(span)
	return out, nil
}

func (s *Service) dispatchLocked(ctx context.Context, sessionID string, cast *Cast, message string) (dispatch.DispatchResult, error) {
	token, err := s.token(ctx, sessionID, domain.TokenKeyDispatcher)
	if err != nil {
		return dispatch.DispatchResult{}, err
	}
	res, err := cast.UserDispatcher.Dispatch(ctx, message, token)
	if err != nil {
		return dispatch.DispatchResult{}, err
	}
	if err := s.saveToken(ctx, sessionID, domain.TokenKeyDispatcher, res.ContinuationToken); err != nil {
		return dispatch.DispatchResult{}, err
	}
	return res, nil
}

// DispatchNextSpeaker asks the character dispatcher who speaks after a
// character line. An unknown CurrentSpeakerID means no current speaker.
func (s *Service) DispatchNextSpeaker(ctx context.Context, sessionID string, in NextSpeakerInput) (NextSpeakerOutput, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.next_speaker",
		trace.WithAttributes(tracer.StringAttr("session.id", sessionID)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return NextSpeakerOutput{}, err
	}
	defer unlock()

	cast, err := s.registry.GetOrCreate(sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return NextSpeakerOutput{}, err
	}

	var current *dispatch.CharacterAgent
	if in.CurrentSpeakerID != "" {
		current = cast.Character(in.CurrentSpeakerID)
	}
	res, err := s.nextSpeakerLocked(ctx, sessionID, cast, in.CharacterName, in.CharacterMessage, current)
	if err != nil {
		tracer.RecordError(span, err)
		return NextSpeakerOutput{}, err
	}

	out := NextSpeakerOutput{
		NextSpeaker: s.speakerView(cast, res.Next),
		Analysis:    res.Analysis,
		RawReply:    res.RawReply,
	}
	if current != nil {
		info := current.Info()
		out.CurrentSpeaker = &info
	}
	tracer.SetOK(span)
	return out, nil
}

func (s *Service) nextSpeakerLocked(ctx context.Context, sessionID string, cast *Cast, name, message string, current *dispatch.CharacterAgent) (dispatch.NextSpeakerResult, error) {
	token, err := s.token(ctx, sessionID, domain.TokenKeyCharacterDispatcher)
	if err != nil {
		return dispatch.NextSpeakerResult{}, err
	}
	res, err := cast.CharacterDispatcher.DispatchNextSpeaker(ctx, name, message, current, token)
	if err != nil {
		return dispatch.NextSpeakerResult{}, err
	}
	if err := s.saveToken(ctx, sessionID, domain.TokenKeyCharacterDispatcher, res.ContinuationToken); err != nil {
		return dispatch.NextSpeakerResult{}, err
	}
	return res, nil
}

// Chat sends a user message to one agent. An empty or unknown agent ID falls
// back to the first character; the user dispatcher may be addressed directly.
func (s *Service) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if in.SmartMode && in.AgentID == "" {
		return ChatOutput{
			Response: SmartModePlaceholder,
			Agent:    domain.AgentInfo{ID: SystemAgentID, Name: SystemAgentName},
		}, nil
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.chat",
		trace.WithAttributes(
			tracer.StringAttr("session.id", in.SessionID),
			tracer.StringAttr("agent.requested", in.AgentID),
		))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, in.SessionID)
	if err != nil {
		return ChatOutput{}, err
	}
	defer unlock()

	cast, err := s.registry.GetOrCreate(in.SessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return ChatOutput{}, err
	}

	participant, character, err := resolveChatTarget(cast, in.AgentID)
	if err != nil {
		tracer.RecordError(span, err)
		return ChatOutput{}, err
	}

	reply, err := s.chatLocked(ctx, in.SessionID, participant, in.Message)
	if err != nil {
		tracer.RecordError(span, err)
		return ChatOutput{}, err
	}
	out := ChatOutput{Response: reply, Agent: participant.Info()}

	if in.AutoContinue && character != nil {
		res, err := s.nextSpeakerLocked(ctx, in.SessionID, cast, character.Name(), reply, character)
		if err != nil {
			tracer.RecordError(span, err)
			return ChatOutput{}, err
		}
		out.NextSpeaker = s.speakerView(cast, res.Next)
		out.Analysis = res.Analysis
		out.DetectorReply = res.RawReply
	}

	s.logger.Info("chat turn completed",
		"session_id", in.SessionID,
		"agent_id", out.Agent.ID,
		"auto_continue", in.AutoContinue)
	tracer.SetOK(span)
	return out, nil
}

// resolveChatTarget picks the agent addressed by agentID. character is nil
// when the target is a dispatcher.
func resolveChatTarget(cast *Cast, agentID string) (dispatch.Participant, *dispatch.CharacterAgent, error) {
	if agentID != "" {
		if c := cast.Character(agentID); c != nil {
			return c, c, nil
		}
		if agentID == cast.UserDispatcher.ID() {
			return cast.UserDispatcher, nil, nil
		}
	}
	if len(cast.Characters) == 0 {
		return nil, nil, domain.NewDomainError("Service.Chat", domain.ErrAgentNotFound, "cast has no characters")
	}
	return cast.Characters[0], cast.Characters[0], nil
}

func (s *Service) chatLocked(ctx context.Context, sessionID string, p dispatch.Participant, message string) (string, error) {
	key := p.Info().ID
	token, err := s.token(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	res, err := p.Chat(ctx, message, token)
	if err != nil {
		return "", err
	}
	if err := s.saveToken(ctx, sessionID, key, res.ContinuationToken); err != nil {
		return "", err
	}
	return res.Response, nil
}

// Reset forgets conversation state. With all set every token and the cast are
// dropped; otherwise only agentID's token, and a dispatcher ID also rebuilds
// that dispatcher so its handshake runs again.
func (s *Service) Reset(ctx context.Context, sessionID, agentID string, all bool) error {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if all {
		if err := s.tokens.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		if err := s.registry.Reset(sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		s.logger.Info("session reset", "session_id", sessionID)
		return nil
	}
	if agentID == "" {
		return &domain.ValidationError{Field: "agent_id", Value: "", Reason: "required unless reset_all is set"}
	}

	if err := s.tokens.Delete(ctx, sessionID, agentID); err != nil {
		return fmt.Errorf("reset agent %s: %w", agentID, err)
	}
	if key := s.dispatcherTokenKey(agentID); key != "" {
		if err := s.tokens.Delete(ctx, sessionID, key); err != nil {
			return fmt.Errorf("reset dispatcher %s: %w", agentID, err)
		}
		s.registry.ResetDispatcher(sessionID, agentID)
	}
	s.logger.Info("agent conversation reset", "session_id", sessionID, "agent_id", agentID)
	return nil
}

// dispatcherTokenKey maps a dispatcher ID onto its role token key.
func (s *Service) dispatcherTokenKey(agentID string) string {
	spec := s.registry.factory.spec
	switch agentID {
	case spec.UserDispatcher.ID:
		return domain.TokenKeyDispatcher
	case spec.CharacterDispatcher.ID:
		return domain.TokenKeyCharacterDispatcher
	}
	return ""
}

// ReapIdle drops casts and tokens of sessions idle longer than ttl.
func (s *Service) ReapIdle(ctx context.Context, ttl time.Duration) (int, error) {
	reaped := s.registry.ReapIdle(ttl)
	var errs []error
	for _, id := range reaped {
		if err := s.tokens.DeleteSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return len(reaped), errors.Join(errs...)
}

func (s *Service) speakerView(cast *Cast, next dispatch.NextSpeaker) *SpeakerView {
	switch next.Kind {
	case domain.SpeakerUser:
		return &SpeakerView{
			AgentInfo: domain.AgentInfo{ID: UserSpeakerID, Name: cast.CharacterDispatcher.UserToken()},
			Type:      domain.SpeakerUser,
		}
	case domain.SpeakerAgent:
		return &SpeakerView{AgentInfo: next.Agent.Info(), Type: domain.SpeakerAgent}
	}
	return nil
}

func (s *Service) token(ctx context.Context, sessionID, key string) (string, error) {
	token, ok, err := s.tokens.Get(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (s *Service) saveToken(ctx context.Context, sessionID, key, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return s.tokens.Put(ctx, sessionID, key, token)
}
