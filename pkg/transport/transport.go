// Package transport provides the channel abstraction shared by the WebSocket
// and FIFO adapters, plus the adapters themselves. Every connected participant
// is represented by a Channel whose sends go through a bounded queue, so one
// slow recipient never stalls the rest of the space.
package transport

import "errors"

// DefaultQueueSize bounds each channel's outbound queue. A participant that
// falls this far behind is disconnected.
const DefaultQueueSize = 256

var (
	// ErrChannelClosed reports a send on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrQueueFull reports that a channel's outbound queue overflowed. The
	// channel is closed as a consequence.
	ErrQueueFull = errors.New("outbound queue full")
)

// Channel is one connected participant link, transport-agnostic.
type Channel interface {
	// ID returns the unique channel id. This identifies the connection,
	// not the participant: one participant may connect many times.
	ID() string

	// Send enqueues one outbound frame. It never blocks: a full queue
	// closes the channel and returns ErrQueueFull.
	Send(frame []byte) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// FrameHandler receives transport events. The gateway core implements it.
// Callbacks for a single channel arrive sequentially.
type FrameHandler interface {
	// HandleConnect fires when a channel is established, before any frame.
	HandleConnect(ch Channel)

	// HandleFrame fires for each complete inbound frame.
	HandleFrame(ch Channel, frame []byte)

	// HandleMalformed fires when framing fails but the channel survives.
	HandleMalformed(ch Channel, err error)

	// HandleDisconnect fires once when the channel goes away. reason is
	// nil for an orderly remote close.
	HandleDisconnect(ch Channel, reason error)
}
