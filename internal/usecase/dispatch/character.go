package dispatch

import (
	"fmt"

	"troupe/internal/domain"
)

// CharacterAgent is a persona that takes part in the conversation.
type CharacterAgent struct {
	*Agent
	willingness int
}

// NewCharacterAgent creates a character. It fails with a *domain.ValidationError
// when willingness is outside [MinSpeakingWillingness, MaxSpeakingWillingness].
func NewCharacterAgent(identity domain.AgentIdentity, willingness int, deps AgentDeps) (*CharacterAgent, error) {
	if err := ValidateSpeakingWillingness(willingness); err != nil {
		return nil, err
	}
	return &CharacterAgent{
		Agent:       NewAgent(identity, deps),
		willingness: willingness,
	}, nil
}

// ValidateSpeakingWillingness checks the willingness bounds.
func ValidateSpeakingWillingness(willingness int) error {
	if willingness < domain.MinSpeakingWillingness || willingness > domain.MaxSpeakingWillingness {
		return &domain.ValidationError{
			Field:  "speaking_willingness",
			Value:  willingness,
			Reason: fmt.Sprintf("must be an integer between %d and %d", domain.MinSpeakingWillingness, domain.MaxSpeakingWillingness),
		}
	}
	return nil
}

// SpeakingWillingness returns the configured willingness to speak.
func (c *CharacterAgent) SpeakingWillingness() int { return c.willingness }

// Info extends the base view with the speaking willingness.
func (c *CharacterAgent) Info() domain.AgentInfo {
	info := c.Agent.Info()
	info.SpeakingWillingness = c.willingness
	return info
}
