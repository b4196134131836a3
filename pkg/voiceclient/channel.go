package voiceclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/protocol"
)

var (
	// ErrNotConnected is returned by [Channel.SendAudio] once the channel
	// has disconnected or been closed.
	ErrNotConnected = errors.New("voiceclient: channel not connected")

	// ErrSendBufferFull is returned when outbound audio backs up. The block
	// is dropped.
	ErrSendBufferFull = errors.New("voiceclient: send buffer full")
)

// ChannelHandlers receive channel callbacks. They are invoked from the
// channel's own goroutine and must not block.
type ChannelHandlers struct {
	// OnMessage receives every decoded relay message.
	OnMessage func(protocol.ServerMessage)

	// OnDisconnect is called once when the channel drops without a local
	// Close. err describes why.
	OnDisconnect func(err error)
}

// Channel is the bidirectional link to the relay.
type Channel interface {
	// Connected reports the live connection state.
	Connected() bool

	// SendAudio transmits one PCM16 block as a binary frame.
	SendAudio(pcm []byte) error

	// Close closes the channel. Idempotent.
	Close() error
}

// Dialer opens a [Channel].
type Dialer interface {
	Dial(ctx context.Context, h ChannelHandlers) (Channel, error)
}

// WSDialer dials the relay's WebSocket endpoint.
type WSDialer struct {
	// URL is the full ws:// or wss:// endpoint URL.
	URL string

	// Token, when set, is offered as the "access_token.<token>" subprotocol.
	Token string

	// ReadLimit caps a single inbound message. Default: 4 MiB.
	ReadLimit int64

	// SendBuffer is the number of outbound blocks that may queue. Default: 8.
	SendBuffer int

	// WriteTimeout bounds each outbound frame. Default: 5s.
	WriteTimeout time.Duration
}

var _ Dialer = WSDialer{}

// Dial connects to the relay and starts the read and write goroutines.
func (d WSDialer) Dial(ctx context.Context, h ChannelHandlers) (Channel, error) {
	opts := &websocket.DialOptions{}
	if d.Token != "" {
		opts.Subprotocols = []string{protocol.TokenSubprotocolPrefix + d.Token}
	}
	conn, _, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("voiceclient: dial %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = 4 << 20
	}
	conn.SetReadLimit(limit)

	buf := d.SendBuffer
	if buf <= 0 {
		buf = 8
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		conn:         conn,
		handlers:     h,
		sendq:        make(chan []byte, buf),
		writeTimeout: wt,
		ctx:          runCtx,
		cancel:       cancel,
	}
	c.connected.Store(true)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

type wsChannel struct {
	conn         *websocket.Conn
	handlers     ChannelHandlers
	sendq        chan []byte
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	connected      atomic.Bool
	closedLocally  atomic.Bool
	disconnectOnce sync.Once
	closeOnce      sync.Once
}

func (c *wsChannel) Connected() bool { return c.connected.Load() }

func (c *wsChannel) SendAudio(pcm []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.sendq <- pcm:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closedLocally.Store(true)
		c.connected.Store(false)
		err = c.conn.Close(websocket.StatusNormalClosure, "client stopped")
		c.cancel()
	})
	return err
}

func (c *wsChannel) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.dropped(err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("ignoring binary frame from relay", "bytes", len(data))
			continue
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			slog.Warn("ignoring malformed relay message", "err", err)
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case pcm := <-c.sendq:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageBinary, pcm)
			cancel()
			if err != nil {
				c.dropped(err)
				return
			}
		}
	}
}

// dropped marks the channel disconnected and notifies the handler once,
// unless the channel was closed locally.
func (c *wsChannel) dropped(err error) {
	c.connected.Store(false)
	c.disconnectOnce.Do(func() {
		c.cancel()
		if c.closedLocally.Load() {
			return
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	})
}
