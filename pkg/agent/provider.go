// Package agent defines the Provider interface for hosted voice-agent backends.
//
// A voice agent accepts a live stream of microphone audio and answers with
// synthesised speech plus a stream of conversation events (transcripts, turn
// changes, warnings). The relay holds exactly one [SessionHandle] per browser
// connection and shuttles frames between the two.
//
// All implementations must be safe for concurrent use.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("agent: session closed")

// EventError is the event type vendors use for fatal or request-level errors.
const EventError = "Error"

// Event is a non-audio message received from the vendor.
type Event struct {
	// Type is the vendor's message type, e.g. "ConversationText".
	Type string

	// Raw is the complete JSON message as received.
	Raw json.RawMessage

	// Description and Code are filled for error events.
	Description string
	Code        string
}

// IsError reports whether the event signals an error.
func (e Event) IsError() bool { return e.Type == EventError }

// ProviderError is a failure reported by the vendor itself, as opposed to a
// transport failure.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return "agent: provider error: " + e.Description
	}
	return fmt.Sprintf("agent: provider error %s: %s", e.Code, e.Description)
}

// SessionConfig is the initial configuration for a new agent session.
type SessionConfig struct {
	// InputSampleRate is the rate of PCM16 audio passed to SendAudio.
	InputSampleRate int

	// OutputSampleRate is the rate of PCM16 audio emitted on Audio.
	OutputSampleRate int

	// Language is a BCP-47 tag for speech recognition, e.g. "en".
	Language string

	// Instructions is the system prompt for the agent's language model.
	Instructions string

	// Greeting, when set, is spoken by the agent as soon as the session opens.
	Greeting string

	// ListenModel selects the speech-to-text model.
	ListenModel string

	// ThinkProvider and ThinkModel select the language model.
	ThinkProvider string
	ThinkModel    string

	// SpeakModel selects the text-to-speech model or voice.
	SpeakModel string
}

// DefaultSessionConfig returns a config with the capture and playback rates
// used by the relay and its client.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InputSampleRate:  audio.CaptureSampleRate,
		OutputSampleRate: audio.PlaybackSampleRate,
		Language:         "en",
	}
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Name identifies the provider in logs and metrics.
	Name string

	// InputSampleRates lists the accepted input rates. Empty means any.
	InputSampleRates []int

	// OutputSampleRate is the rate the provider synthesises at when not told
	// otherwise.
	OutputSampleRate int

	// SupportsControl reports whether SendControl forwards messages upstream.
	SupportsControl bool
}

// AcceptsInputRate reports whether rate is one of InputSampleRates.
func (c Capabilities) AcceptsInputRate(rate int) bool {
	return len(c.InputSampleRates) == 0 || slices.Contains(c.InputSampleRates, rate)
}

// SessionHandle is an open agent session. Audio and events are channel-based
// so the relay never blocks on the vendor's receive loop.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio forwards one PCM16 chunk at the negotiated input rate.
	SendAudio(chunk []byte) error

	// SendControl forwards a vendor-specific JSON control message verbatim.
	SendControl(msg json.RawMessage) error

	// Audio emits synthesised PCM16 chunks. It is closed when the session ends.
	Audio() <-chan []byte

	// Events emits non-audio messages. It is closed when the session ends.
	Events() <-chan Event

	// Err returns the error that ended the session early, or nil after a clean
	// shutdown. Check it once Audio and Events are closed.
	Err() error

	// Close terminates the session and closes both channels. Idempotent.
	Close() error
}

// Provider opens agent sessions.
type Provider interface {
	// Connect establishes a session. The returned handle is ready for audio.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
