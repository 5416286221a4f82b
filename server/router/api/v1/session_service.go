package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/sessioncache/plugin/ai/session"
	"github.com/hrygo/sessioncache/server/middleware"
	apierrors "github.com/hrygo/sessioncache/server/internal/errors"
)

// AppendTurnRequest is the body of POST .../turns.
type AppendTurnRequest struct {
	Role    string `json:"role"` // user (default), assistant, system
	Content string `json:"content"`
	// Model switches the session to another model and its context limit.
	Model string `json:"model,omitempty"`
	// NoWait fails with 409 instead of waiting while the session is compacting.
	NoWait bool `json:"no_wait,omitempty"`
}

// AppendTurnResponse reports the outcome of an append.
type AppendTurnResponse struct {
	Key             string         `json:"key"`
	History         []session.Turn `json:"history"`
	WasCompacted    bool           `json:"was_compacted"`
	Truncated       bool           `json:"truncated"`
	DroppedTurns    int            `json:"dropped_turns"`
	OverBudget      bool           `json:"over_budget"`
	AggregateTokens int            `json:"aggregate_tokens"`
	Budget          int            `json:"budget"`
	Model           string         `json:"model"`
	Persisted       bool           `json:"persisted"`
	CompactionError string         `json:"compaction_error,omitempty"`
}

// HistoryResponse is the rendered history of a session.
type HistoryResponse struct {
	Key   string         `json:"key"`
	Turns []session.Turn `json:"turns"`
}

// AppendTurn adds one turn to a session.
// POST /api/v1/sessions/:platform/:channel/:user/turns
func (s *APIV1Service) AppendTurn(c echo.Context) error {
	id := s.sessionIdentity(c)

	var req AppendTurnRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apierrors.InvalidArgument("malformed request body"))
	}
	role := session.RoleUser
	if req.Role != "" {
		role = session.Role(req.Role)
	}
	if err := s.checkContent(req.Content); err != nil {
		return s.respondError(c, err)
	}

	res, err := s.Sessions.Append(c.Request().Context(), id, session.NewTurn(role, req.Content), appendOptions(req.Model, req.NoWait)...)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, newAppendTurnResponse(id, res))
}

// GetHistory returns the rendered history without extending the TTL.
// GET /api/v1/sessions/:platform/:channel/:user/history
func (s *APIV1Service) GetHistory(c echo.Context) error {
	id := s.sessionIdentity(c)
	turns, err := s.Sessions.History(c.Request().Context(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{Key: id.Key(), Turns: turns})
}

// GetStats describes one session.
// GET /api/v1/sessions/:platform/:channel/:user/stats
func (s *APIV1Service) GetStats(c echo.Context) error {
	id := s.sessionIdentity(c)
	stats, err := s.Sessions.Stats(c.Request().Context(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ClearSession drops a session and its persisted entry.
// DELETE /api/v1/sessions/:platform/:channel/:user
func (s *APIV1Service) ClearSession(c echo.Context) error {
	id := s.sessionIdentity(c)
	if err := s.Sessions.Clear(c.Request().Context(), id); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionIdentity reads the identity from the path and tags the request log with its key.
func (s *APIV1Service) sessionIdentity(c echo.Context) session.Identity {
	id := identityFromPath(c)
	if reqCtx := middleware.RequestContext(c); reqCtx != nil {
		reqCtx.SessionKey = id.Key()
	}
	return id
}

func (s *APIV1Service) checkContent(content string) error {
	if content == "" {
		return apierrors.InvalidArgument("content is required")
	}
	if len(content) > s.maxTurnBytes() {
		return apierrors.InvalidArgument("content is too large").WithContext("max_bytes", s.maxTurnBytes())
	}
	return nil
}

func appendOptions(model string, noWait bool) []session.AppendOption {
	var opts []session.AppendOption
	if model != "" {
		opts = append(opts, session.WithModel(model))
	}
	if noWait {
		opts = append(opts, session.WithNonBlocking())
	}
	return opts
}

func newAppendTurnResponse(id session.Identity, res *session.AppendResult) AppendTurnResponse {
	resp := AppendTurnResponse{
		Key:             id.Key(),
		History:         res.History,
		WasCompacted:    res.WasCompacted,
		Truncated:       res.Truncated,
		DroppedTurns:    res.DroppedTurns,
		OverBudget:      res.OverBudget,
		AggregateTokens: res.AggregateTokens,
		Budget:          res.Call.Budget,
		Model:           res.Call.Model,
		Persisted:       res.Persisted,
	}
	if res.CompactionErr != nil {
		resp.CompactionError = res.CompactionErr.Error()
	}
	return resp
}

