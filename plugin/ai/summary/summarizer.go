// Package summary implements session.Summarizer on top of the chat LLM.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/sessioncache/plugin/ai"
	"github.com/hrygo/sessioncache/plugin/ai/session"
	"github.com/hrygo/sessioncache/plugin/ai/timeout"
)

const systemPrompt = "You condense chat transcripts into dense notes that let an assistant continue the conversation. " +
	"Write in the language the user writes in."

const instructions = `Compress the conversation below into a concise summary. Keep:
1. The user's key requests and preferences
2. Ongoing tasks and their current state
3. Decisions, conclusions and commitments
4. Concrete facts such as dates, times, names and numbers

Use short bullet points and maximize information density.
If a previous summary is given, merge it with the new conversation into one summary.`

// LLMSummarizer summarizes turns with one chat completion.
type LLMSummarizer struct {
	llm    ai.LLMService
	logger *slog.Logger
}

var _ session.Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates a summarizer. A nil logger uses slog.Default().
func NewLLMSummarizer(llm ai.LLMService, logger *slog.Logger) *LLMSummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSummarizer{llm: llm, logger: logger}
}

// Summarize implements session.Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, older []session.Turn, prior *session.Turn) (string, error) {
	start := time.Now()
	content, usage, err := s.llm.ChatWithUsage(ctx, BuildPrompt(older, prior))
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	s.logger.Debug("summary generated",
		"model", s.llm.Model(),
		"turns", len(older),
		"has_prior", prior != nil,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"latency", time.Since(start),
		"preview", truncate(content, timeout.MaxTruncateLength),
	)
	return content, nil
}

// BuildPrompt renders the summarization request. The prior summary comes first
// so that the model folds it into the new one.
func BuildPrompt(older []session.Turn, prior *session.Turn) []ai.Message {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	if prior != nil && prior.Content != "" {
		b.WriteString("[Previous Summary]\n")
		b.WriteString(prior.Content)
		b.WriteString("\n\n[New Conversation]\n")
	} else {
		b.WriteString("[Conversation]\n")
	}
	for _, turn := range older {
		fmt.Fprintf(&b, "%s: %s\n\n", roleLabel(turn.Role), turn.Content)
	}
	return []ai.Message{
		ai.SystemPrompt(systemPrompt),
		ai.UserMessage(strings.TrimRight(b.String(), "\n")),
	}
}

func roleLabel(role session.Role) string {
	switch role {
	case session.RoleUser:
		return "User"
	case session.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
