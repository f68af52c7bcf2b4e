// Package api hosts the gateway's HTTP surface: the WebSocket endpoint that
// websocket participants connect through, and a health probe for the
// orchestrator. Everything space-related happens after the upgrade; the HTTP
// layer itself carries no state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mew-protocol/gateway/pkg/gateway"
)

// Server wraps the echo router and the http.Server that drives it.
type Server struct {
	core   *gateway.Gateway
	logger *slog.Logger
	echo   *echo.Echo
	http   *http.Server
}

// NewServer assembles the routes. Participants may connect on any URL path;
// every GET except /healthz upgrades to WebSocket.
func NewServer(core *gateway.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		core:   core,
		logger: logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/healthz", s.healthHandler)
	e.GET("/", s.wsHandler)
	e.GET("/*", s.wsHandler)

	s.echo = e
	s.http = &http.Server{
		Handler: e,
		// No write timeout: WebSocket connections outlive any sane value.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on addr and serves until Shutdown. A busy port surfaces here.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on an existing listener, blocking until Shutdown.
// Callers that need to know the bound address before serving (tests, the
// start command) create the listener themselves. Returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("WebSocket endpoint listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

// Shutdown stops accepting connections. Upgraded WebSocket connections are
// hijacked and therefore not waited on; the gateway core closes them through
// its own shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
