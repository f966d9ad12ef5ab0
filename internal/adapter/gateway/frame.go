package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// Client -> server.
	FrameTypeSay FrameType = "say"

	// Server -> client.
	FrameTypeReady   FrameType = "ready"
	FrameTypeTurn    FrameType = "turn"
	FrameTypeHandoff FrameType = "handoff"
	FrameTypeError   FrameType = "error"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // echoes the say frame a reply belongs to
	Content string          `json:"content,omitempty"` // user message (say only)
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ReadyPayload is sent once after the connection is accepted.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
}

// HandoffPayload closes a conversation round.
type HandoffPayload struct {
	Turns     int  `json:"turns"`
	Truncated bool `json:"truncated"`
}
