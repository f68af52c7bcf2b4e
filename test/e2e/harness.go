// Package e2e boots a complete gateway (core, WebSocket endpoint, FIFO
// transport) and drives it with real participant connections.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/pkg/api"
	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/config"
	"github.com/mew-protocol/gateway/pkg/gateway"
	"github.com/mew-protocol/gateway/pkg/transport"
)

// TestGateway is one running space under test.
type TestGateway struct {
	Config  *config.Config
	Core    *gateway.Gateway
	Server  *api.Server
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"
	FIFODir string

	t *testing.T
}

// testGatewayConfig holds options accumulated before boot.
type testGatewayConfig struct {
	spaceID      string
	participants map[string]config.Participant
	defaults     []capability.Pattern
}

// TestGatewayOption configures the gateway under test.
type TestGatewayOption func(*testGatewayConfig)

// WithSpaceID overrides the default space id "demo".
func WithSpaceID(id string) TestGatewayOption {
	return func(c *testGatewayConfig) { c.spaceID = id }
}

// WithParticipant registers a WebSocket participant with the given static
// capability patterns. Its token is Token(pid).
func WithParticipant(pid string, patterns ...capability.Pattern) TestGatewayOption {
	return func(c *testGatewayConfig) {
		c.participants[pid] = config.Participant{Capabilities: patterns}
	}
}

// WithStdioParticipant registers a participant served over a FIFO pair in
// FIFODir.
func WithStdioParticipant(pid string, patterns ...capability.Pattern) TestGatewayOption {
	return func(c *testGatewayConfig) {
		c.participants[pid] = config.Participant{
			Transport:    config.TransportStdio,
			Capabilities: patterns,
		}
	}
}

// WithDefaultCapabilities sets the fallback pattern set for participants
// configured without their own.
func WithDefaultCapabilities(patterns ...capability.Pattern) TestGatewayOption {
	return func(c *testGatewayConfig) { c.defaults = patterns }
}

// Token returns the well-known test token for a participant.
func Token(pid string) string {
	return pid + "-token"
}

// NewTestGateway boots a gateway on a random port. Shutdown is registered via
// t.Cleanup in reverse creation order.
func NewTestGateway(t *testing.T, opts ...TestGatewayOption) *TestGateway {
	t.Helper()

	tc := &testGatewayConfig{
		spaceID:      "demo",
		participants: make(map[string]config.Participant),
	}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := &config.Config{
		Space: config.Space{
			ID:        tc.spaceID,
			Transport: config.Transport{Default: config.TransportWebSocket},
		},
		Participants: tc.participants,
		Defaults:     config.Defaults{Capabilities: tc.defaults},
	}
	require.NoError(t, cfg.Validate())

	creds := make(map[string]string, len(tc.participants))
	for pid := range tc.participants {
		creds[pid] = Token(pid)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := gateway.New(cfg, creds, logger)

	fifoDir := t.TempDir()
	fifos := transport.NewFIFOTransport(fifoDir, cfg.StdioParticipants(), core, logger)
	require.NoError(t, fifos.Start(context.Background()))

	server := api.NewServer(core, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()

	addr := ln.Addr().String()
	app := &TestGateway{
		Config:  cfg,
		Core:    core,
		Server:  server,
		BaseURL: fmt.Sprintf("http://%s", addr),
		WSURL:   fmt.Sprintf("ws://%s/ws", addr),
		FIFODir: fifoDir,
		t:       t,
	}

	t.Cleanup(func() {
		core.Shutdown()
		fifos.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return app
}

// Connect dials the WebSocket endpoint and returns a collecting client that
// has not joined yet.
func (g *TestGateway) Connect(t *testing.T) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, g.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Join connects and authenticates a configured participant, returning the
// client after its welcome arrived.
func (g *TestGateway) Join(t *testing.T, pid string) *Client {
	t.Helper()

	c := g.Connect(t)
	c.Join(t, g.Config.Space.ID, pid, Token(pid))
	return c
}
