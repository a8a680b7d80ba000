package handler

import (
	"net/http"
	"runtime"
	"time"

	"entitlements-api/internal/model"
	"entitlements-api/internal/service"
	"entitlements-api/pkg/response"
)

// StartTime tracks when the server started for uptime calculation
var StartTime = time.Now()

// Handler contains shared HTTP handlers and their dependencies.
type Handler struct {
	gateway  *service.ValidationGateway
	sessions *service.SessionService
}

// New creates a new handler.
func New(gateway *service.ValidationGateway, sessions *service.SessionService) *Handler {
	return &Handler{gateway: gateway, sessions: sessions}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
	}
	response.OK(w, resp)
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// Check represents an individual readiness check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Ready handles GET /api/v1/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := []Check{
		{Name: "api", Status: "ok"},
		{Name: "apple_validation", Status: configuredStatus(h.gateway.Configured(model.PlatformApple))},
		{Name: "google_validation", Status: configuredStatus(h.gateway.Configured(model.PlatformGoogle))},
		{Name: "session_tokens", Status: configuredStatus(h.sessions != nil && h.sessions.Enabled())},
	}

	// Unconfigured validators degrade the feature, not the server.
	resp := ReadyResponse{
		Ready:     true,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}

	response.OK(w, resp)
}

func configuredStatus(configured bool) string {
	if configured {
		return "ok"
	}
	return "not_configured"
}

// StatusChecks represents the checks in status response
type StatusChecks struct {
	MemoryMB float64 `json:"memory_mb"`
}

// StatusResponse represents the unified status response for uptime monitoring
type StatusResponse struct {
	Service       string       `json:"service"`
	Status        string       `json:"status"`
	Timestamp     string       `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	PingMS        int64        `json:"ping_ms"`
	Checks        StatusChecks `json:"checks"`
}

// Status handles GET /api/status - unified health check for uptime monitoring
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memoryMB := float64(memStats.Alloc) / 1024 / 1024

	pingMS := time.Since(requestStart).Milliseconds()
	uptimeSeconds := int64(time.Since(StartTime).Seconds())

	resp := StatusResponse{
		Service:       "entitlements-api",
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: uptimeSeconds,
		PingMS:        pingMS,
		Checks: StatusChecks{
			MemoryMB: float64(int(memoryMB*100)) / 100,
		},
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	response.OK(w, resp)
}
