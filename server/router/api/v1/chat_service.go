package v1

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/sessioncache/plugin/ai"
	"github.com/hrygo/sessioncache/plugin/ai/session"
	apierrors "github.com/hrygo/sessioncache/server/internal/errors"
	"github.com/hrygo/sessioncache/server/internal/observability"
)

const defaultSystemPrompt = "You are a helpful assistant. Use the conversation so far, including any summary of earlier turns, to answer the user."

// ChatRequest is the body of POST .../chat.
type ChatRequest struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	NoWait       bool   `json:"no_wait,omitempty"`
}

// ChatResponse carries the assistant reply and the state of the session after it.
type ChatResponse struct {
	Key              string `json:"key"`
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	HistoryTurns     int    `json:"history_turns"`
	AggregateTokens  int    `json:"aggregate_tokens"`
	WasCompacted     bool   `json:"was_compacted"`
	Truncated        bool   `json:"truncated"`
}

// Chat appends the user turn, asks the LLM with the session history and
// appends the assistant reply.
// POST /api/v1/sessions/:platform/:channel/:user/chat
func (s *APIV1Service) Chat(c echo.Context) error {
	id := s.sessionIdentity(c)
	if s.LLMService == nil {
		return s.respondError(c, apierrors.ServiceUnavailable("chat is disabled, no LLM is configured"))
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, apierrors.InvalidArgument("malformed request body"))
	}
	if err := s.checkContent(req.Content); err != nil {
		return s.respondError(c, err)
	}

	ctx := c.Request().Context()
	resp, err := s.chat(ctx, id, req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) chat(ctx context.Context, id session.Identity, req ChatRequest) (*ChatResponse, error) {
	logger := observability.LoggerFrom(ctx, s.logger)

	userRes, err := s.Sessions.Append(ctx, id, session.NewTurn(session.RoleUser, req.Content), appendOptions(req.Model, req.NoWait)...)
	if err != nil {
		return nil, err
	}

	history := userRes.History
	if userRes.OverBudget {
		history = session.TrimToBudget(history, userRes.Call.Budget)
		logger.Warn("history trimmed to budget for prompt",
			"turns", len(userRes.History), "kept", len(history), "budget", userRes.Call.Budget)
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	messages := make([]ai.Message, 0, len(history)+1)
	messages = append(messages, ai.SystemPrompt(systemPrompt))
	for _, turn := range history {
		messages = append(messages, ai.Message{Role: string(turn.Role), Content: turn.Content})
	}

	reply, usage, err := s.LLMService.ChatWithUsage(ctx, messages)
	if err != nil {
		return nil, apierrors.LLMUnavailable("chat completion failed", err).WithContext("model", s.LLMService.Model())
	}
	if reply == "" {
		return nil, apierrors.LLMUnavailable("chat completion returned no content", nil)
	}

	// Compaction failures after the reply are logged, not returned.
	assistantRes, err := s.Sessions.Append(ctx, id, session.NewTurn(session.RoleAssistant, reply), appendOptions(req.Model, false)...)
	if err != nil {
		return nil, err
	}
	if assistantRes.CompactionErr != nil {
		logger.Warn("compaction after reply failed", "error", assistantRes.CompactionErr)
	}

	logger.Debug("chat completed",
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens),
		slog.Int(observability.LogFieldMessageLen, len(reply)))

	return &ChatResponse{
		Key:              id.Key(),
		Reply:            reply,
		Model:            assistantRes.Call.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		HistoryTurns:     len(history),
		AggregateTokens:  assistantRes.AggregateTokens,
		WasCompacted:     userRes.WasCompacted || assistantRes.WasCompacted,
		Truncated:        userRes.Truncated || assistantRes.Truncated,
	}, nil
}
