package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"troupe/internal/domain"
	"troupe/internal/infra/tracer"
)

// DispatchResult is the outcome of choosing a responder for a user message.
type DispatchResult struct {
	// Selected is nil only when the roster is empty and nothing matched.
	Selected          *CharacterAgent
	Analysis          string
	ContinuationToken string
	RawReply          string
}

// NextSpeaker identifies who talks next after a character's reply.
// Kind is SpeakerNone when the detector only acknowledged the roster.
type NextSpeaker struct {
	Kind  domain.SpeakerKind
	Agent *CharacterAgent // set when Kind == SpeakerAgent
}

// IsUser reports whether the end user speaks next.
func (n NextSpeaker) IsUser() bool { return n.Kind == domain.SpeakerUser }

// IsNone reports whether no speaker was determined.
func (n NextSpeaker) IsNone() bool { return n.Kind == domain.SpeakerNone }

// NextSpeakerResult is the outcome of DispatchNextSpeaker.
type NextSpeakerResult struct {
	Next              NextSpeaker
	Analysis          string
	ContinuationToken string
	RawReply          string
}

// DispatcherOption configures a DispatcherAgent.
type DispatcherOption func(*DispatcherAgent)

// WithUserToken overrides the reply literal that designates the end user.
func WithUserToken(token string) DispatcherOption {
	return func(d *DispatcherAgent) {
		if token != "" {
			d.userToken = token
		}
	}
}

// DispatcherAgent is a router persona. It learns the roster through a one-time
// handshake and then maps free-text replies onto roster members.
type DispatcherAgent struct {
	*Agent
	roster      []*CharacterAgent
	userToken   string
	initialized atomic.Bool
}

// NewDispatcherAgent creates a dispatcher over roster. The roster order is
// significant for substring resolution and for the fallback choice.
func NewDispatcherAgent(identity domain.AgentIdentity, roster []*CharacterAgent, deps AgentDeps, opts ...DispatcherOption) *DispatcherAgent {
	d := &DispatcherAgent{
		Agent:     NewAgent(identity, deps),
		roster:    append([]*CharacterAgent(nil), roster...),
		userToken: DefaultUserToken,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Roster returns a copy of the dispatcher's roster.
func (d *DispatcherAgent) Roster() []*CharacterAgent {
	return append([]*CharacterAgent(nil), d.roster...)
}

// Initialized reports whether the roster handshake has been acknowledged.
func (d *DispatcherAgent) Initialized() bool { return d.initialized.Load() }

// UserToken returns the literal that designates the end user.
func (d *DispatcherAgent) UserToken() string { return d.userToken }

// BuildRosterPrompt renders this dispatcher's roster.
func (d *DispatcherAgent) BuildRosterPrompt() string { return BuildRosterPrompt(d.roster) }

// ensureInitialized performs the roster handshake if it has not yet been
// acknowledged and returns the token to use for the following exchange.
// Without an acknowledgment the caller's token is kept and the handshake is
// attempted again on the next call.
func (d *DispatcherAgent) ensureInitialized(ctx context.Context, token string) (string, error) {
	if d.initialized.Load() {
		return token, nil
	}

	ctx, span := tracer.StartSpan(ctx, "dispatcher.handshake",
		trace.WithAttributes(
			tracer.StringAttr("dispatcher.id", d.ID()),
			tracer.IntAttr("roster.size", len(d.roster)),
		))
	defer span.End()

	res, err := d.Chat(ctx, d.BuildRosterPrompt(), token)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	if !strings.Contains(res.Response, AckToken) {
		d.logger.Warn("roster handshake not acknowledged", "reply", res.Response)
		return token, nil
	}

	d.initialized.Store(true)
	d.logger.Info("roster handshake acknowledged", "roster_size", len(d.roster))
	tracer.SetOK(span)
	return res.ContinuationToken, nil
}

// Dispatch chooses the character that should answer userMessage. When the
// reply names nobody the first roster member is used.
func (d *DispatcherAgent) Dispatch(ctx context.Context, userMessage, continuationToken string) (DispatchResult, error) {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.dispatch",
		trace.WithAttributes(tracer.StringAttr("dispatcher.id", d.ID())))
	defer span.End()

	token, err := d.ensureInitialized(ctx, continuationToken)
	if err != nil {
		tracer.RecordError(span, err)
		return DispatchResult{}, err
	}

	res, err := d.Chat(ctx, userMessage, token)
	if err != nil {
		tracer.RecordError(span, err)
		return DispatchResult{}, err
	}

	out := DispatchResult{
		ContinuationToken: res.ContinuationToken,
		RawReply:          res.Response,
	}
	out.Selected, _ = resolveName(d.roster, res.Response)
	if out.Selected == nil && len(d.roster) > 0 {
		out.Selected = d.roster[0]
		out.Analysis = fmt.Sprintf(analysisDefaultAgent, out.Selected.Name())
	} else {
		out.Analysis = fmt.Sprintf(analysisSelected, res.Response)
	}

	if out.Selected != nil {
		span.SetAttributes(tracer.StringAttr("dispatch.selected", out.Selected.ID()))
	}
	d.logger.Debug("dispatched", "reply", res.Response, "analysis", out.Analysis)
	tracer.SetOK(span)
	return out, nil
}

// DispatchNextSpeaker decides who speaks after characterName said
// characterMessage. current may be nil. The decision falls back to the user
// whenever the reply is unusable; a detector that only acknowledges the roster
// yields SpeakerNone.
func (d *DispatcherAgent) DispatchNextSpeaker(ctx context.Context, characterName, characterMessage string, current *CharacterAgent, continuationToken string) (NextSpeakerResult, error) {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.next_speaker",
		trace.WithAttributes(tracer.StringAttr("dispatcher.id", d.ID())))
	defer span.End()

	token, err := d.ensureInitialized(ctx, continuationToken)
	if err != nil {
		tracer.RecordError(span, err)
		return NextSpeakerResult{}, err
	}

	res, err := d.Chat(ctx, BuildCharacterTurnPrompt(characterName, characterMessage), token)
	if err != nil {
		tracer.RecordError(span, err)
		return NextSpeakerResult{}, err
	}

	next, analysis := d.resolveNextSpeaker(res.Response, current)
	span.SetAttributes(tracer.StringAttr("next.kind", string(next.Kind)))
	d.logger.Debug("next speaker resolved", "reply", res.Response, "kind", next.Kind, "analysis", analysis)
	tracer.SetOK(span)
	return NextSpeakerResult{
		Next:              next,
		Analysis:          analysis,
		ContinuationToken: res.ContinuationToken,
		RawReply:          res.Response,
	}, nil
}

func (d *DispatcherAgent) resolveNextSpeaker(reply string, current *CharacterAgent) (NextSpeaker, string) {
	user := NextSpeaker{Kind: domain.SpeakerUser}
	reply = strings.TrimSpace(reply)

	switch {
	case reply == AckToken:
		return NextSpeaker{Kind: domain.SpeakerNone}, analysisHandshakeOnly
	case reply == d.userToken:
		return user, analysisUserNext
	case reply == ErrorToken:
		return user, analysisDetectorError
	case current != nil && reply == current.Name():
		return user, fmt.Sprintf(analysisSelfSelected, current.Name())
	}

	agent, exact := resolveName(d.roster, reply)
	if agent == nil {
		return user, analysisUndeterminedNext
	}
	if exact {
		return NextSpeaker{Kind: domain.SpeakerAgent, Agent: agent}, fmt.Sprintf(analysisExactNext, agent.Name())
	}
	return NextSpeaker{Kind: domain.SpeakerAgent, Agent: agent}, fmt.Sprintf(analysisFuzzyNext, agent.Name())
}
