package api

import (
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	ledger    TotalReader
	provider  string
	version   string
	startTime time.Time
}

// NewHealthHandler reports ledger readability and the transcription provider
// in use. provider is the name of the configured provider, or "" if none.
func NewHealthHandler(ledger TotalReader, provider, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		ledger:    ledger,
		provider:  provider,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if _, err := h.ledger.Total(r.Context()); err != nil {
		checks["ledger"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["ledger"] = "ok"
	}

	if h.provider == "" {
		checks["transcription"] = "not_configured"
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		checks["transcription"] = h.provider
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
