package domain

// AgentIdentity describes a persona configured on the conversational backend.
// Identities are loaded once from configuration and never mutated.
type AgentIdentity struct {
	ID          string `json:"id"          yaml:"id"`
	Name        string `json:"name"        yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// AgentInfo is the read-only view of an agent returned to callers.
// SpeakingWillingness is zero for agents that are not characters.
type AgentInfo struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	SpeakingWillingness int    `json:"speaking_willingness,omitempty"`
}

// Speaking willingness bounds for character agents.
const (
	MinSpeakingWillingness     = 1
	MaxSpeakingWillingness     = 10
	DefaultSpeakingWillingness = 5
)

// SpeakerKind tags who holds the next turn of a conversation.
type SpeakerKind string

const (
	SpeakerNone  SpeakerKind = ""
	SpeakerUser  SpeakerKind = "user"
	SpeakerAgent SpeakerKind = "agent"
)
