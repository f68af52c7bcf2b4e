package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/pkg/envelope"
)

// waitTimeout bounds every WaitFor* helper.
const waitTimeout = 5 * time.Second

// Client is a WebSocket participant for tests. It collects every inbound
// frame in a background goroutine so assertions can scan the full history.
type Client struct {
	conn   *websocket.Conn
	pid    string
	mu     sync.Mutex
	frames [][]byte
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Dial connects to a gateway WebSocket endpoint and starts collecting. The
// context bounds the dial only, not the connection's lifetime.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Join authenticates as pid and returns the welcome envelope.
func (c *Client) Join(t *testing.T, space, pid, token string) *envelope.Envelope {
	t.Helper()
	c.pid = pid
	c.SendJSON(t, fmt.Sprintf(
		`{"kind":"system/join","payload":{"participantId":%q,"space":%q,"token":%q}}`,
		pid, space, token))
	return c.WaitForKind(t, envelope.KindSystemWelcome)
}

// Send serializes and sends one envelope.
func (c *Client) Send(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	frame, err := envelope.Marshal(env)
	require.NoError(t, err)
	c.SendRaw(t, frame)
}

// SendJSON sends a JSON string as one text frame.
func (c *Client) SendJSON(t *testing.T, raw string) {
	t.Helper()
	c.SendRaw(t, []byte(raw))
}

// SendRaw sends one text frame verbatim. Stream data frames go through here.
func (c *Client) SendRaw(t *testing.T, frame []byte) {
	t.Helper()
	require.NoError(t, c.Write(frame))
}

// Write sends one text frame and returns the error instead of failing the
// test. Use this from goroutines the test spawns.
func (c *Client) Write(frame []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, waitTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// Frames returns copies of every raw frame in arrival order.
func (c *Client) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Envelopes returns the parsed envelopes received so far, skipping raw
// stream data frames and anything unparseable.
func (c *Client) Envelopes() []*envelope.Envelope {
	var envs []*envelope.Envelope
	for _, f := range c.Frames() {
		if envelope.IsStreamFrame(f) {
			continue
		}
		if env, err := envelope.Unmarshal(f); err == nil {
			envs = append(envs, env)
		}
	}
	return envs
}

// StreamFrames returns the raw "#<sid>#…" frames received so far.
func (c *Client) StreamFrames() []string {
	var frames []string
	for _, f := range c.Frames() {
		if envelope.IsStreamFrame(f) {
			frames = append(frames, string(f))
		}
	}
	return frames
}

// HasKind reports whether any collected envelope has the given kind.
func (c *Client) HasKind(kind string) bool {
	for _, env := range c.Envelopes() {
		if env.Kind == kind {
			return true
		}
	}
	return false
}

// IndexOfKind returns the arrival position of the first envelope of a kind
// among the parsed envelopes, or -1.
func (c *Client) IndexOfKind(kind string) int {
	for i, env := range c.Envelopes() {
		if env.Kind == kind {
			return i
		}
	}
	return -1
}

// WaitForEnvelope polls until an envelope matching the predicate has been
// collected, or the timeout elapses.
func (c *Client) WaitForEnvelope(predicate func(*envelope.Envelope) bool, timeout time.Duration) (*envelope.Envelope, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for envelope (collected %d frames)", len(c.Frames()))
		case <-tick.C:
			for _, env := range c.Envelopes() {
				if predicate(env) {
					return env, nil
				}
			}
		}
	}
}

// WaitForKind waits for the first envelope of a kind, failing the test on
// timeout.
func (c *Client) WaitForKind(t *testing.T, kind string) *envelope.Envelope {
	t.Helper()
	env, err := c.WaitForEnvelope(func(e *envelope.Envelope) bool { return e.Kind == kind }, waitTimeout)
	require.NoError(t, err, "client %q waiting for %s", c.pid, kind)
	return env
}

// WaitForStreamFrame waits for a data frame of the given stream and returns
// the whole raw frame.
func (c *Client) WaitForStreamFrame(t *testing.T, streamID string) string {
	t.Helper()
	prefix := "#" + streamID + "#"

	deadline := time.After(waitTimeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("client %q: timeout waiting for stream frame %s", c.pid, prefix)
			return ""
		case <-tick.C:
			for _, f := range c.StreamFrames() {
				if len(f) >= len(prefix) && f[:len(prefix)] == prefix {
					return f
				}
			}
		}
	}
}

// WaitClosed blocks until the gateway closes the connection.
func (c *Client) WaitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.doneCh:
	case <-time.After(waitTimeout):
		t.Fatalf("client %q: connection was not closed", c.pid)
	}
}

// Close tears the connection down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop appends every inbound frame to the history.
func (c *Client) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		cp := make([]byte, len(data))
		copy(cp, data)

		c.mu.Lock()
		c.frames = append(c.frames, cp)
		c.mu.Unlock()
	}
}
