package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mew-protocol/gateway/pkg/envelope"
)

// wsWriteTimeout bounds a single WebSocket write. A peer that cannot drain a
// frame within this window is treated as gone.
const wsWriteTimeout = 10 * time.Second

// ServeWS adapts one accepted WebSocket connection to the Channel contract
// and pumps its frames into the handler. It blocks until the connection
// closes, keeping the HTTP handler that accepted it alive for the
// connection's lifetime.
func ServeWS(ctx context.Context, conn *websocket.Conn, handler FrameHandler, logger *slog.Logger) {
	conn.SetReadLimit(envelope.MaxFrameSize)
	ch := NewWSChannel(ctx, conn, logger)
	handler.HandleConnect(ch)

	var reason error
	for {
		_, frame, err := conn.Read(ch.ctx)
		if err != nil {
			// A close frame from the peer or our own Close is an orderly
			// end; anything else is reported as the disconnect reason.
			if ch.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				reason = err
			}
			break
		}
		handler.HandleFrame(ch, frame)
	}

	handler.HandleDisconnect(ch, reason)
	_ = ch.Close()
}

// WSChannel adapts one accepted WebSocket connection to the Channel contract.
// Reads stay with the HTTP handler that accepted the connection; WSChannel
// owns writes, serialized through its queue by a single goroutine.
type WSChannel struct {
	id        string
	conn      *websocket.Conn
	out       chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewWSChannel wraps an accepted connection and starts its write loop.
func NewWSChannel(parentCtx context.Context, conn *websocket.Conn, logger *slog.Logger) *WSChannel {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &WSChannel{
		id:     uuid.New().String(),
		conn:   conn,
		out:    make(chan []byte, DefaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "ws-channel"),
	}
	go c.writeLoop()
	return c
}

// ID returns the channel id.
func (c *WSChannel) ID() string { return c.id }

// Send enqueues one text frame.
func (c *WSChannel) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.logger.Warn("Outbound queue overflow, closing channel", "channel_id", c.id)
		_ = c.Close()
		return ErrQueueFull
	}
}

// Close terminates the connection and stops the write loop. The HTTP
// handler's read loop unblocks with an error as a consequence.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *WSChannel) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Warn("WebSocket write failed, closing channel",
					"channel_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
