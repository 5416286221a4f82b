package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/plugin/ai"
	"github.com/hrygo/sessioncache/plugin/ai/metrics"
	"github.com/hrygo/sessioncache/plugin/ai/session"
	"github.com/hrygo/sessioncache/server/middleware"
	apierrors "github.com/hrygo/sessioncache/server/internal/errors"
	"github.com/hrygo/sessioncache/server/internal/observability"
)

// defaultMaxTurnBytes caps the content of one inbound turn when the profile
// does not set AIRequestMaxBytes.
const defaultMaxTurnBytes = 32 * 1024

type APIV1Service struct {
	Profile  *profile.Profile
	Sessions *session.Store
	// LLMService is nil when AI is disabled; the chat route then answers 503.
	LLMService ai.LLMService

	limiter     *middleware.RateLimiter
	httpMetrics *metrics.Aggregator
	logger      *slog.Logger
	startTime   time.Time
}

func NewAPIV1Service(profile *profile.Profile, sessions *session.Store, llmService ai.LLMService, logger *slog.Logger) *APIV1Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIV1Service{
		Profile:     profile,
		Sessions:    sessions,
		LLMService:  llmService,
		limiter:     middleware.NewRateLimiter(profile.AIRateLimitRPS, profile.AIRateLimitBurst),
		httpMetrics: metrics.NewAggregator(),
		logger:      logger,
		startTime:   time.Now(),
	}
}

// RegisterRoutes registers the v1 HTTP routes with the given Echo instance.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	g := echoServer.Group("/api/v1",
		echomiddleware.CORS(),
		middleware.RequestLogger(s.logger),
		s.recordMetrics,
	)

	g.GET("/healthz", s.Healthz)
	g.GET("/metrics", s.GetMetrics)
	g.POST("/sweep", s.Sweep)

	limited := s.limiter.Middleware(func(c echo.Context) string {
		return identityFromPath(c).Key()
	})
	sessions := g.Group("/sessions/:platform/:channel/:user")
	sessions.POST("/turns", s.AppendTurn, limited)
	sessions.POST("/chat", s.Chat, limited)
	sessions.GET("/history", s.GetHistory)
	sessions.GET("/stats", s.GetStats)
	sessions.DELETE("", s.ClearSession)
}

// recordMetrics records one operation per route with its latency.
func (s *APIV1Service) recordMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		s.httpMetrics.RecordOperation(c.Request().Method+" "+c.Path(), time.Since(start), err == nil && status < 500)
		return err
	}
}

// PruneLimiters drops idle per-session rate limiters.
func (s *APIV1Service) PruneLimiters() int {
	return s.limiter.Prune()
}

func identityFromPath(c echo.Context) session.Identity {
	return session.Identity{
		Platform:  c.Param("platform"),
		ChannelID: c.Param("channel"),
		UserID:    c.Param("user"),
	}
}

func (s *APIV1Service) maxTurnBytes() int {
	if s.Profile != nil && s.Profile.AIRequestMaxBytes > 0 {
		return s.Profile.AIRequestMaxBytes
	}
	return defaultMaxTurnBytes
}

// respondError maps err to an API error and writes it.
func (s *APIV1Service) respondError(c echo.Context, err error) error {
	apiErr := apierrors.FromError(err)
	status := apiErr.Code.HTTPStatus()

	logger := observability.LoggerFrom(c.Request().Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.LogFieldErrorCode, apiErr.Code, "error", err)
	} else {
		logger.Debug("request rejected", observability.LogFieldErrorCode, apiErr.Code, "error", err)
	}

	if apiErr.Code == apierrors.ErrCodeSessionBusy {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(status, apiErr.Response(middleware.RequestID(c)))
}
