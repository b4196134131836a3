package voiceclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// resumeTimeout bounds waking a suspended output before a playback.
const resumeTimeout = 2 * time.Second

var errEmptyFrame = errors.New("voiceclient: empty audio frame")

// player owns the playback queue. Frames are appended at the tail on arrival
// and consumed from the head; at most one frame plays at a time.
//
// All methods must run on the session dispatcher.
type player struct {
	out  audio.Output
	post func(func()) bool
	log  *slog.Logger

	queue   [][]byte
	playing bool

	// gen invalidates completions of playbacks started before a reset.
	gen uint64

	played  int
	skipped int
}

// enqueue appends a PCM16 frame and starts the driver if it is idle.
func (p *player) enqueue(pcm []byte) {
	p.queue = append(p.queue, pcm)
	if !p.playing {
		p.next()
	}
}

// next starts the head frame. Frames that cannot start are skipped until one
// plays or the queue is empty.
func (p *player) next() {
	for len(p.queue) > 0 {
		head := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		if err := p.start(head); err != nil {
			p.skipped++
			p.log.Warn("skipping audio frame", "bytes", len(head), "err", err)
			continue
		}
		return
	}
	p.playing = false
}

func (p *player) start(pcm []byte) error {
	samples := audio.PCM16ToFloat32(pcm)
	if len(samples) == 0 {
		return errEmptyFrame
	}

	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	err := p.out.Resume(ctx)
	cancel()
	if err != nil {
		return err
	}

	gen := p.gen
	p.playing = true
	buf := audio.Buffer{Samples: samples, SampleRate: audio.PlaybackSampleRate}
	err = p.out.Play(buf, func(err error) {
		p.post(func() { p.finished(gen, err) })
	})
	if err != nil {
		p.playing = false
		return err
	}
	return nil
}

// finished handles the end of a playback. Errors skip to the next frame just
// like a natural end does.
func (p *player) finished(gen uint64, err error) {
	if gen != p.gen {
		return
	}
	if err != nil {
		p.skipped++
		p.log.Warn("audio playback failed", "err", err)
	} else {
		p.played++
	}
	p.playing = false
	p.next()
}

// reset drops every queued frame and forgets the playback in flight.
func (p *player) reset() {
	p.queue = nil
	p.playing = false
	p.gen++
}
