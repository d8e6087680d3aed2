package gapr

import (
	"net"
	"strings"
)

// Tier is an access level. Lower tiers are more privileged.
type Tier uint

// Access tiers.
const (
	TierRoot Tier = iota
	TierAdmin
	TierAnnotator
	TierProofreader
	TierRestricted
	TierLocked Tier = 10
	TierNobody Tier = 99
)

// Reply statuses.
const (
	StatusOK    = "OK"
	StatusNo    = "NO"
	StatusRetry = "RETRY"
	StatusErr   = "ERR"
)

// ReplyError is an error that carries the reply sent for it.
type ReplyError struct {
	Status  string
	Message string
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	return e.Status + " " + e.Message
}

// NewReplyError creates a ReplyError.
func NewReplyError(status, message string) *ReplyError {
	return &ReplyError{Status: status, Message: message}
}

var (
	errPermissionDenied = NewReplyError(StatusNo, "Permission denied.")
	errUnknownCommand   = NewReplyError(StatusErr, "Unknown command.")
	errNotFound         = NewReplyError(StatusNo, "Not found.")
)

// Session is the per-connection login state. It is only touched by the
// connection's session loop.
type Session struct {
	User   string
	Gecos  string
	Tier   Tier
	Remote net.Addr
	Proto  string
}

func newSession(remote net.Addr, proto string) *Session {
	return &Session{Tier: TierNobody, Remote: remote, Proto: proto}
}

// LoggedIn reports whether LOGIN succeeded on this connection.
func (s *Session) LoggedIn() bool { return s.User != "" }

// CommandName normalizes a request tag for dispatch: upper case, with '.'
// replaced by '_'.
func CommandName(tag string) string {
	var b strings.Builder
	b.Grow(len(tag))
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c == '.':
			c = '_'
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}
