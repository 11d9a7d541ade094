package handlers

import (
	"net/http"
	"time"

	domain "github.com/giftwell/api/internal/domain"
	"github.com/giftwell/api/internal/services"
)

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	system  services.SystemService
	version string
	now     func() time.Time
	started time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService wires the dependency probe used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthVersion reports the build version in health payloads.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// WithHealthClock overrides the clock, primarily for tests.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers builds the health endpoints. Without a SystemService,
// /readyz degrades to the same unconditional check as /healthz.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.now()
	return h
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at,omitempty"`
}

type healthResponse struct {
	Status    string                        `json:"status"`
	Version   string                        `json:"version,omitempty"`
	UptimeSec int64                         `json:"uptime_seconds"`
	Timestamp string                        `json:"timestamp"`
	Checks    map[string]healthCheckPayload `json:"checks,omitempty"`
}

// Healthz reports process liveness only. It never consults dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:    string(domain.HealthStatusOK),
		Version:   h.version,
		UptimeSec: int64(now.Sub(h.started).Seconds()),
		Timestamp: formatTime(now),
	})
}

// Readyz probes dependencies through the system service. Any status other
// than ok yields 503 so load balancers stop routing new traffic.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, healthResponse{
			Status:    string(domain.HealthStatusOK),
			Version:   h.version,
			UptimeSec: int64(now.Sub(h.started).Seconds()),
			Timestamp: formatTime(now),
		})
		return
	}

	report, err := h.system.Health(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, healthResponse{
			Status:    string(domain.HealthStatusError),
			Version:   h.version,
			UptimeSec: int64(now.Sub(h.started).Seconds()),
			Timestamp: formatTime(now),
		})
		return
	}

	resp := healthResponse{
		Status:    string(report.Status),
		Version:   h.version,
		UptimeSec: int64(now.Sub(h.started).Seconds()),
		Timestamp: formatTime(now),
	}
	if report.Version != "" {
		resp.Version = report.Version
	}
	if len(report.Checks) > 0 {
		resp.Checks = make(map[string]healthCheckPayload, len(report.Checks))
		for name, check := range report.Checks {
			resp.Checks[name] = healthCheckPayload{
				Status:    string(check.Status),
				Detail:    check.Detail,
				Error:     check.Error,
				LatencyMS: check.Latency.Milliseconds(),
				CheckedAt: formatTime(check.CheckedAt),
			}
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
