// Package protocol defines the messages exchanged between a capture client and
// the relay over the browser WebSocket.
//
// Binary frames from the client carry PCM16 microphone audio. Every other frame
// is a JSON object with a "type" field. The relay answers with agent speech,
// vendor events, and error reports.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// HTTP surface shared by the relay and its clients.
const (
	// VoiceAgentPath is the WebSocket endpoint.
	VoiceAgentPath = "/api/voice-agent"

	// SessionPath issues session tokens.
	SessionPath = "/api/session"

	// NonceHeader carries the single-use page nonce to SessionPath.
	NonceHeader = "X-Session-Nonce"

	// TokenSubprotocolPrefix precedes the session token in the
	// Sec-WebSocket-Protocol header.
	TokenSubprotocolPrefix = "access_token."
)

// CloseUnauthorized is the close code sent when session auth fails.
const CloseUnauthorized websocket.StatusCode = 4401

// Message types.
const (
	TypeAudioData     = "audio_data"
	TypeAgentSpeaking = "agent_speaking"
	TypeAgentEvent    = "agent_event"
	TypeError         = "error"
)

// Error codes carried by [TypeError] messages.
const (
	CodeMissingAPIKey    = "MISSING_API_KEY"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
)

// ClientMessage is a JSON frame sent by the client. Only audio_data is
// interpreted by the relay; other types are passed to the agent verbatim.
type ClientMessage struct {
	Type  string `json:"type"`
	Audio []byte `json:"audio,omitempty"`
}

// ServerMessage is a JSON frame sent by the relay. Which fields are set
// depends on Type.
type ServerMessage struct {
	Type string `json:"type"`

	// agent_speaking
	Audio  []byte `json:"audio,omitempty"`
	Length int    `json:"length,omitempty"`

	// agent_event
	Event json.RawMessage `json:"event,omitempty"`

	// error
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

// AgentSpeaking wraps one chunk of agent speech.
func AgentSpeaking(pcm []byte) ServerMessage {
	return ServerMessage{Type: TypeAgentSpeaking, Audio: pcm, Length: len(pcm)}
}

// AgentEvent wraps a raw vendor event.
func AgentEvent(raw json.RawMessage) ServerMessage {
	return ServerMessage{Type: TypeAgentEvent, Event: raw}
}

// Error builds an error report.
func Error(code, description string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Description: description}
}

// DecodeServerMessage parses a text frame received from the relay.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if m.Type == "" {
		return ServerMessage{}, fmt.Errorf("protocol: decode: missing type")
	}
	return m, nil
}
