// Package audio holds the PCM primitives and device abstractions shared by the
// voice relay and its capture client.
//
// The device side has two halves:
//
//   - [Microphone] acquires an [InputStream] that delivers float sample blocks
//     to an attached handler.
//   - [Output] plays float [Buffer] values one at a time and reports completion
//     through a callback.
//
// Concrete implementations live in sub-packages (audio/portaudio) and in
// audio/mock for tests.
package audio

import (
	"context"
	"time"
)

// DefaultBlockSize is the number of samples per capture block.
const DefaultBlockSize = 1024

// Constraints describes the microphone configuration a client asks for.
type Constraints struct {
	// DeviceID selects an input device by name. Empty means the system default.
	DeviceID string

	// Channels requested from the device.
	Channels int

	// SampleRate requested from the device, in Hz.
	SampleRate int

	// BlockSize is the number of samples delivered per handler call.
	BlockSize int

	// Processing toggles. Raw capture leaves all of them off.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureConstraints returns the constraints used for voice capture: the named
// device, one channel at [CaptureSampleRate], and all processing disabled.
func CaptureConstraints(deviceID string) Constraints {
	return Constraints{
		DeviceID:   deviceID,
		Channels:   1,
		SampleRate: CaptureSampleRate,
		BlockSize:  DefaultBlockSize,
	}
}

// BlockHandler receives one capture block. The slice is owned by the caller
// only for the duration of the call; handlers that retain it must copy.
type BlockHandler func(block []float32)

// Microphone acquires capture streams.
type Microphone interface {
	// Open acquires the device described by c and starts capture. Blocks are
	// not delivered until a handler is attached.
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// InputStream is an acquired microphone.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Attach installs the processing node. Each captured block is passed to fn
	// on a goroutine owned by the stream.
	Attach(fn BlockHandler) error

	// Detach removes the processing node. No handler call starts after Detach
	// returns.
	Detach() error

	// Stop stops every track and releases the device. Idempotent.
	Stop() error
}

// Buffer is a block of float samples ready for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Output is a playback context.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Resume wakes a suspended output so that Play produces sound.
	Resume(ctx context.Context) error

	// Play starts playing buf and returns immediately. done is called exactly
	// once when playback finishes or fails. A non-nil return means playback
	// never started and done will not be called.
	Play(buf Buffer, done func(error)) error

	// Close releases the output. Playback in flight is abandoned.
	Close() error
}
