package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/sessioncache/plugin/ai/metrics"
)

// HealthzResponse reports liveness.
type HealthzResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// MetricsOverviewResponse represents the overview response of system metrics
type MetricsOverviewResponse struct {
	Sessions int `json:"sessions"`
	// Session holds cache operations (append, summarize, save, delete) and events.
	Session *metrics.Snapshot `json:"session,omitempty"`
	// HTTP holds one operation per route.
	HTTP         *metrics.Snapshot `json:"http"`
	RateLimiters int               `json:"rate_limiters"`
	AIEnabled    bool              `json:"ai_enabled"`
	Uptime       string            `json:"uptime"`
}

// SweepResponse reports a manual TTL sweep.
type SweepResponse struct {
	Evicted   int `json:"evicted"`
	Remaining int `json:"remaining"`
}

// Healthz returns liveness and the number of live sessions.
// GET /api/v1/healthz
func (s *APIV1Service) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthzResponse{
		Status:   "ok",
		Sessions: s.Sessions.Len(),
		Uptime:   s.uptime(),
	})
}

// GetMetrics returns the system metrics overview
// GET /api/v1/metrics
func (s *APIV1Service) GetMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, MetricsOverviewResponse{
		Sessions:     s.Sessions.Len(),
		Session:      s.Sessions.Metrics(),
		HTTP:         s.httpMetrics.Snapshot(),
		RateLimiters: s.limiter.Len(),
		AIEnabled:    s.LLMService != nil,
		Uptime:       s.uptime(),
	})
}

// Sweep evicts expired sessions now instead of waiting for the next tick.
// POST /api/v1/sweep
func (s *APIV1Service) Sweep(c echo.Context) error {
	evicted, err := s.Sessions.Sweeper().RunOnce(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	s.PruneLimiters()
	return c.JSON(http.StatusOK, SweepResponse{
		Evicted:   evicted,
		Remaining: s.Sessions.Len(),
	})
}

func (s *APIV1Service) uptime() string {
	return time.Since(s.startTime).Round(time.Second).String()
}
