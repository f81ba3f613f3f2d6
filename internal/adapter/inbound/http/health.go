package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/overlay-mcp/internal/service"
)

// HealthResponse is the JSON response from the /.meta/health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports liveness of the session plane.
type HealthChecker struct {
	manager service.SessionManager
	version string
}

// NewHealthChecker creates a HealthChecker over the session manager.
func NewHealthChecker(manager service.SessionManager, version string) *HealthChecker {
	return &HealthChecker{manager: manager, version: version}
}

// Check gathers the component checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)

	if h.manager != nil {
		// Len acquires the manager lock; a hang here is itself a finding.
		checks["sessions"] = fmt.Sprintf("%d", h.manager.Len())
	} else {
		checks["sessions"] = "not configured"
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  "healthy",
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns the HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
