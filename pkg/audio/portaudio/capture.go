package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// Microphone opens PortAudio input streams.
type Microphone struct{}

var _ audio.Microphone = Microphone{}

// Open acquires the device named in c and starts capturing. When the device
// refuses the requested rate it is opened at its native rate and blocks are
// resampled to c.SampleRate. PortAudio applies no echo cancellation, noise
// suppression or gain control, so raw capture needs no extra setup.
func (Microphone) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	if c.Channels != 1 {
		return nil, fmt.Errorf("portaudio: %d channels requested, only mono capture is supported", c.Channels)
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultBlockSize
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Warn("portaudio captures raw audio, signal processing flags are ignored")
	}

	dev, err := findInput(c.DeviceID)
	if err != nil {
		return nil, err
	}

	s := &inputStream{target: c.SampleRate, done: make(chan struct{})}
	s.stream, s.rate, err = openInput(dev, c.SampleRate, c.BlockSize, &s.buf)
	if err != nil {
		return nil, err
	}
	if err := s.stream.Start(); err != nil {
		_ = s.stream.Close()
		return nil, fmt.Errorf("portaudio: start %q: %w", dev.Name, err)
	}

	slog.Info("microphone opened", "device", dev.Name, "rate", s.rate, "target_rate", s.target)
	go s.readLoop()
	return s, nil
}

// openInput tries the requested rate first and falls back to the device's
// default rate.
func openInput(dev *pa.DeviceInfo, rate, frames int, buf *[]float32) (*pa.Stream, int, error) {
	try := func(r int) (*pa.Stream, error) {
		// The rate determines how many samples a block holds.
		n := frames * r / max(rate, 1)
		*buf = make([]float32, max(n, 1))
		return pa.OpenStream(pa.StreamParameters{
			Input: pa.StreamDeviceParameters{
				Device:   dev,
				Channels: 1,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      float64(r),
			FramesPerBuffer: len(*buf),
		}, *buf)
	}

	stream, err := try(rate)
	if err == nil {
		return stream, rate, nil
	}
	native := int(dev.DefaultSampleRate)
	if native <= 0 || native == rate {
		return nil, 0, fmt.Errorf("portaudio: open %q at %d Hz: %w", dev.Name, rate, err)
	}
	slog.Debug("requested rate refused, using device rate", "device", dev.Name, "rate", rate, "native", native, "err", err)
	stream, err2 := try(native)
	if err2 != nil {
		return nil, 0, fmt.Errorf("portaudio: open %q: %w", dev.Name, errors.Join(err, err2))
	}
	return stream, native, nil
}

type inputStream struct {
	stream *pa.Stream
	buf    []float32
	rate   int
	target int

	handlerMu sync.Mutex
	handler   audio.BlockHandler

	stopOnce sync.Once
	stopping sync.Mutex
	stopped  bool
	done     chan struct{}
}

func (s *inputStream) readLoop() {
	defer close(s.done)
	for {
		err := s.stream.Read()
		if s.isStopped() {
			return
		}
		if err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("microphone input overflowed")
				continue
			}
			slog.Error("microphone read failed", "err", err)
			return
		}

		block := s.buf
		if s.rate != s.target {
			block = audio.ResampleFloat32(s.buf, s.rate, s.target)
		}

		s.handlerMu.Lock()
		if s.handler != nil {
			s.handler(block)
		}
		s.handlerMu.Unlock()
	}
}

func (s *inputStream) isStopped() bool {
	s.stopping.Lock()
	defer s.stopping.Unlock()
	return s.stopped
}

func (s *inputStream) Attach(fn audio.BlockHandler) error {
	if s.isStopped() {
		return errors.New("portaudio: stream stopped")
	}
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()
	return nil
}

func (s *inputStream) Detach() error {
	s.handlerMu.Lock()
	s.handler = nil
	s.handlerMu.Unlock()
	return nil
}

func (s *inputStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Lock()
		s.stopped = true
		s.stopping.Unlock()

		_ = s.Detach()
		// Abort unblocks a pending Read.
		if aerr := s.stream.Abort(); aerr != nil {
			err = fmt.Errorf("portaudio: abort input: %w", aerr)
		}
		<-s.done
		if cerr := s.stream.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("portaudio: close input: %w", cerr))
		}
	})
	return err
}
