package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mew-protocol/gateway/pkg/version"
)

// healthHandler handles GET /healthz.
// The probe is unauthenticated, so it reports only counts: never
// participant ids, capabilities, or anything derived from envelopes.
func (s *Server) healthHandler(c *echo.Context) error {
	stats := s.core.Stats()
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:        "healthy",
		Space:         stats.Space,
		Participants:  stats.Participants,
		UptimeSeconds: int64(stats.Uptime / time.Second),
		Version:       version.GitCommit,
	})
}
