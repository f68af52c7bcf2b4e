package api

// HealthResponse is the GET /healthz body consumed by orchestrator probes.
type HealthResponse struct {
	Status        string `json:"status"`
	Space         string `json:"space"`
	Participants  int    `json:"participants"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
}
