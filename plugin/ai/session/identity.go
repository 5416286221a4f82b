package session

import (
	"net/url"
	"strings"
)

// Identity names one conversation thread: a user on a channel of a platform.
type Identity struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// Key returns the stable session key "platform:channel:user". Each part is
// query-escaped, so a ':' inside a part can never shift a field boundary, and
// empty parts are kept as empty segments.
func (id Identity) Key() string {
	return strings.Join([]string{
		url.QueryEscape(strings.ToLower(strings.TrimSpace(id.Platform))),
		url.QueryEscape(strings.TrimSpace(id.ChannelID)),
		url.QueryEscape(strings.TrimSpace(id.UserID)),
	}, ":")
}

// IsZero reports whether the identity has no user and no channel.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(id.UserID) == "" && strings.TrimSpace(id.ChannelID) == ""
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Key()
}

// CallContext is the typed per-request context handed to handlers that build a
// prompt from a session.
type CallContext struct {
	Identity     Identity
	Model        string
	ContextLimit int
	// Budget is the token budget compaction aims to stay under.
	Budget      int
	DisplayName string
	Locale      string
}
