package handlers

import (
	"context"
	"net/http"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

// SystemHealthReporter produces the readiness report.
type SystemHealthReporter interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// HealthHandlers serves /healthz (liveness) and /readyz (dependency probes).
type HealthHandlers struct {
	system SystemHealthReporter
	build  services.BuildInfo
	now    func() time.Time
}

type HealthOption func(*HealthHandlers)

func WithHealthSystemService(system SystemHealthReporter) HealthOption {
	return func(h *HealthHandlers) { h.system = system }
}

func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = build }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp":   now.Format(time.RFC3339),
	})
}

func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", err.Error(), http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status":    check.Status,
			"latencyMs": check.Latency.Milliseconds(),
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		if !check.CheckedAt.IsZero() {
			entry["checkedAt"] = formatTime(check.CheckedAt)
		}
		checks[name] = entry
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, map[string]any{
		"status":      report.Status,
		"version":     report.Version,
		"commitSha":   report.CommitSHA,
		"environment": report.Environment,
		"uptime":      report.Uptime.Round(time.Second).String(),
		"generatedAt": formatTime(report.GeneratedAt),
		"checks":      checks,
	})
}
