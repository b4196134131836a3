package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

var (
	errClientGone = errors.New("relay: client disconnected")
	errAgentGone  = errors.New("relay: agent session ended")
)

// bridge shuttles frames between one client connection and one agent session.
type bridge struct {
	conn         *websocket.Conn
	sess         agent.SessionHandle
	metrics      *observe.Metrics
	provider     string
	control      bool
	writeTimeout time.Duration
	log          *slog.Logger
}

// run pumps both directions until one side ends, tears down the other, and
// returns the cause.
func (b *bridge) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.pumpClient(ctx) })
	g.Go(func() error { return b.pumpAgent(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		cause := context.Cause(gctx)
		if errors.Is(cause, errAgentGone) {
			_ = b.conn.Close(websocket.StatusNormalClosure, "agent session ended")
		} else {
			_ = b.conn.CloseNow()
		}
		_ = b.sess.Close()
		return nil
	})
	return g.Wait()
}

// pumpClient reads client frames and forwards them to the agent. Binary
// frames and audio_data messages carry microphone audio; any other JSON is a
// vendor control message and is passed through unchanged, or dropped when the
// provider has no control channel.
func (b *bridge) pumpClient(ctx context.Context) error {
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}

		if typ == websocket.MessageBinary {
			if err := b.sendAudio(ctx, data); err != nil {
				return err
			}
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("dropping malformed client message", "err", err)
			continue
		}
		if msg.Type == protocol.TypeAudioData {
			if err := b.sendAudio(ctx, msg.Audio); err != nil {
				return err
			}
			continue
		}

		if !b.control {
			b.log.Debug("provider takes no control messages, dropping", "type", msg.Type)
			continue
		}
		if err := b.sess.SendControl(data); err != nil {
			return fmt.Errorf("%w: send control: %w", errAgentGone, err)
		}
		b.metrics.RecordFrame(ctx, observe.DirectionUpstream, observe.KindControl, len(data))
	}
}

func (b *bridge) sendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if err := b.sess.SendAudio(pcm); err != nil {
		return fmt.Errorf("%w: send audio: %w", errAgentGone, err)
	}
	b.metrics.RecordFrame(ctx, observe.DirectionUpstream, observe.KindAudio, len(pcm))
	return nil
}

// pumpAgent forwards agent speech and events to the client until both agent
// channels are closed.
func (b *bridge) pumpAgent(ctx context.Context) error {
	audio, events := b.sess.Audio(), b.sess.Events()
	for audio != nil || events != nil {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case pcm, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := b.write(ctx, protocol.AgentSpeaking(pcm)); err != nil {
				return err
			}
			b.metrics.RecordFrame(ctx, observe.DirectionDownstream, observe.KindAudio, len(pcm))

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := b.forwardEvent(ctx, ev); err != nil {
				return err
			}
		}
	}

	if err := b.sess.Err(); err != nil && ctx.Err() == nil {
		b.log.Warn("agent session ended with error", "err", err)
		b.reportError(ctx, protocol.CodeProviderError, err.Error())
	}
	return errAgentGone
}

func (b *bridge) forwardEvent(ctx context.Context, ev agent.Event) error {
	if ev.IsError() {
		code := ev.Code
		if code == "" {
			code = protocol.CodeProviderError
		}
		return b.reportError(ctx, code, ev.Description)
	}
	if err := b.write(ctx, protocol.AgentEvent(ev.Raw)); err != nil {
		return err
	}
	b.metrics.RecordFrame(ctx, observe.DirectionDownstream, observe.KindEvent, len(ev.Raw))
	return nil
}

// reportError relays a vendor error to the client. Errors are reported once
// and never retried.
func (b *bridge) reportError(ctx context.Context, code, desc string) error {
	b.metrics.RecordAgentError(ctx, b.provider, code)
	if err := b.write(ctx, protocol.Error(code, desc)); err != nil {
		return err
	}
	b.metrics.RecordFrame(ctx, observe.DirectionDownstream, observe.KindError, 0)
	return nil
}

func (b *bridge) write(ctx context.Context, msg protocol.ServerMessage) error {
	wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, b.conn, msg); err != nil {
		return fmt.Errorf("%w: write %s: %w", errClientGone, msg.Type, err)
	}
	return nil
}

// endReason names which side ended the session, for logs and spans.
func endReason(err error) string {
	switch {
	case errors.Is(err, errAgentGone):
		return "agent"
	case errors.Is(err, errClientGone):
		return "client"
	case err == nil:
		return "unknown"
	default:
		return "error"
	}
}
