package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/sessioncache/plugin/ai/tokens"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one message in a conversation. A turn is immutable once appended;
// TokenCount is computed at construction and never recomputed on access.
type Turn struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewTurn builds a turn and caches its token cost.
func NewTurn(role Role, content string) Turn {
	return newTurnAt(role, content, time.Now())
}

func newTurnAt(role Role, content string, at time.Time) Turn {
	return Turn{
		ID:         shortuuid.New(),
		Role:       role,
		Content:    content,
		TokenCount: tokens.Estimate(content),
		CreatedAt:  normalizeTime(at),
	}
}

// WithContent returns a copy of t carrying new content. The token count is
// recomputed because it is derived from the content.
func (t Turn) WithContent(content string) Turn {
	t.Content = content
	t.TokenCount = tokens.Estimate(content)
	return t
}

// prepare fills derived fields of a caller-supplied turn and validates it. The
// token count is always derived from the content here, at insertion; a count
// set by the caller is not trusted.
func (t Turn) prepare(now time.Time) (Turn, error) {
	if !t.Role.Valid() {
		return t, fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if strings.TrimSpace(t.Content) == "" {
		return t, fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	if t.ID == "" {
		t.ID = shortuuid.New()
	}
	t.TokenCount = tokens.Estimate(t.Content)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = normalizeTime(t.CreatedAt)
	return t, nil
}

// normalizeTime drops the monotonic reading and location so that times survive
// a JSON round trip unchanged.
func normalizeTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}

func sumTokens(turns []Turn) int {
	total := 0
	for i := range turns {
		total += turns[i].TokenCount
	}
	return total
}

func cloneTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
