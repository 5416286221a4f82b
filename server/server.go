package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/sessioncache/internal/profile"
	"github.com/hrygo/sessioncache/plugin/ai"
	"github.com/hrygo/sessioncache/plugin/ai/session"
	"github.com/hrygo/sessioncache/plugin/ai/summary"
	"github.com/hrygo/sessioncache/plugin/ai/tokens"
	apiv1 "github.com/hrygo/sessioncache/server/router/api/v1"
	"github.com/hrygo/sessioncache/store"
)

// Server wires the session cache, its persistence and the HTTP API.
type Server struct {
	Profile  *profile.Profile
	Store    *store.Store
	Sessions *session.Store

	echoServer *echo.Echo
	apiV1      *apiv1.APIV1Service
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// NewServer builds the session store on top of s and registers the routes.
// It does not recover or start anything; see Start.
func NewServer(profile *profile.Profile, s *store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	aiConfig := ai.NewConfigFromProfile(profile)
	if err := aiConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid AI config")
	}

	counter, err := newCounter(profile, logger)
	if err != nil {
		return nil, err
	}

	var (
		llmService ai.LLMService
		summarizer session.Summarizer
	)
	if aiConfig.Enabled {
		llmService, err = ai.NewLLMService(&aiConfig.LLM)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create LLM service")
		}
		summaryLLM, err := ai.NewLLMService(aiConfig.SummaryLLMConfig())
		if err != nil {
			return nil, errors.Wrap(err, "failed to create summary LLM service")
		}
		summarizer = summary.NewRateLimited(
			summary.NewLLMSummarizer(summaryLLM, logger),
			aiConfig.Summary.RPS, aiConfig.Summary.Burst)
	} else {
		logger.Warn("AI is disabled, sessions over budget fall back to dropping old turns")
	}

	sessions, err := session.New(aiConfig.Session, s, summarizer,
		session.WithLogger(logger),
		session.WithCounter(counter),
	)
	if err != nil {
		return nil, err
	}

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(echomiddleware.Recover())

	server := &Server{
		Profile:    profile,
		Store:      s,
		Sessions:   sessions,
		echoServer: echoServer,
		apiV1:      apiv1.NewAPIV1Service(profile, sessions, llmService, logger),
		logger:     logger,
	}
	server.apiV1.RegisterRoutes(echoServer)
	return server, nil
}

// Start recovers persisted sessions, starts the TTL sweep and serves HTTP in
// the background.
func (s *Server) Start(ctx context.Context) error {
	restored, err := s.Sessions.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover sessions")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.Sessions.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start session sweep")
	}
	go s.pruneLimiters(ctx)

	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start echo server", "error", err)
			os.Exit(1)
		}
	}()

	s.logger.Info("sessioncache started",
		"address", address,
		"version", s.Profile.Version,
		"mode", s.Profile.Mode,
		"driver", s.Profile.Driver,
		"restored", restored)
	return nil
}

// Shutdown stops HTTP first, then flushes every session and closes storage.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown echo server", "error", err)
	}
	if err := s.Sessions.Shutdown(ctx); err != nil {
		s.logger.Error("failed to flush sessions", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		s.logger.Error("failed to close store", "error", err)
	}
	s.logger.Info("server stopped properly")
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

func (s *Server) pruneLimiters(ctx context.Context) {
	interval := s.Profile.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.apiV1.PruneLimiters(); n > 0 {
				s.logger.Debug("idle rate limiters pruned", "count", n)
			}
		}
	}
}

// newCounter builds the token counter from the embedded model table, or from
// ModelLimitsFile when set.
func newCounter(profile *profile.Profile, logger *slog.Logger) (*tokens.Counter, error) {
	if profile.ModelLimitsFile == "" {
		return tokens.NewCounter(tokens.DefaultRegistry(), logger), nil
	}
	doc, err := os.ReadFile(profile.ModelLimitsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model limits %s", profile.ModelLimitsFile)
	}
	registry, err := tokens.NewStaticRegistry(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse model limits %s", profile.ModelLimitsFile)
	}
	return tokens.NewCounter(registry, logger), nil
}
