package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ErrOutputClosed is returned by Output methods after Close.
var ErrOutputClosed = errors.New("portaudio: output closed")

// ErrOutputBusy is returned by Play while another buffer is playing.
var ErrOutputBusy = errors.New("portaudio: output busy")

type playJob struct {
	buf  audio.Buffer
	done func(error)
}

// Output plays mono float buffers through the default output device. The
// stream is opened suspended and started by the first Resume.
type Output struct {
	rate   int
	stream *pa.Stream
	frames []float32

	mu      sync.Mutex
	started bool
	closed  bool

	jobs chan playJob
	quit chan struct{}
	done chan struct{}
}

var _ audio.Output = (*Output)(nil)

// NewOutput opens the default output device at sampleRate with blocks of
// framesPerBuffer samples.
func NewOutput(sampleRate, framesPerBuffer int) (*Output, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = audio.DefaultBlockSize
	}
	o := &Output{
		rate:   sampleRate,
		frames: make([]float32, framesPerBuffer),
		jobs:   make(chan playJob, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, o.frames)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	o.stream = stream
	go o.playLoop()
	return o, nil
}

// Resume starts the output stream if it is not running yet.
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	if o.started {
		return nil
	}
	if err := o.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	o.started = true
	return nil
}

// Play queues buf for the player goroutine and returns immediately.
func (o *Output) Play(buf audio.Buffer, done func(error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	if !o.started {
		return errors.New("portaudio: output suspended")
	}
	select {
	case o.jobs <- playJob{buf: buf, done: done}:
		return nil
	default:
		return ErrOutputBusy
	}
}

func (o *Output) playLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case job := <-o.jobs:
			err := o.write(job.buf)
			select {
			case <-o.quit:
				return
			default:
			}
			job.done(err)
		}
	}
}

// write pushes buf through the stream one block at a time, padding the last
// block with silence.
func (o *Output) write(buf audio.Buffer) error {
	samples := buf.Samples
	if buf.SampleRate != o.rate {
		samples = audio.ResampleFloat32(samples, buf.SampleRate, o.rate)
	}
	for off := 0; off < len(samples); off += len(o.frames) {
		n := copy(o.frames, samples[off:])
		clear(o.frames[n:])
		if err := o.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
		select {
		case <-o.quit:
			return ErrOutputClosed
		default:
		}
	}
	return nil
}

// Close stops the device. A playback in flight is abandoned and its done
// callback is not called.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	o.mu.Unlock()

	close(o.quit)
	var err error
	if started {
		if aerr := o.stream.Abort(); aerr != nil {
			err = fmt.Errorf("portaudio: abort output: %w", aerr)
		}
	}
	<-o.done
	if cerr := o.stream.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("portaudio: close output: %w", cerr))
	}
	return err
}
