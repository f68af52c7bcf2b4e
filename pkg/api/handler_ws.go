package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mew-protocol/gateway/pkg/transport"
)

// wsHandler upgrades HTTP connections to WebSocket and hands them to the
// gateway core as transport channels. The first frame a participant sends
// must be a join envelope.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Participants are local processes and agent runtimes, not
		// browsers; Origin is not a meaningful boundary for them.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// ServeWS blocks until the participant disconnects or the gateway
	// closes the channel.
	transport.ServeWS(c.Request().Context(), conn, s.core, s.logger)
	return nil
}
