package portal

import (
	"fmt"
)

// Kind classifies a failed portal request.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindAuth        Kind = "auth"
	KindRateLimit   Kind = "rate_limit"
	KindServer      Kind = "server"
	KindClient      Kind = "client"
	KindTransport   Kind = "transport"
	KindUnavailable Kind = "unavailable"
)

// Error is returned for every failed request.
type Error struct {
	Kind     Kind
	Status   int
	Method   string
	Path     string
	Attempts int
	Body     string
	Err      error
}

// Sentinels for errors.Is.
var (
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrAuth        = &Error{Kind: KindAuth}
	ErrRateLimit   = &Error{Kind: KindRateLimit}
	ErrServer      = &Error{Kind: KindServer}
	ErrClient      = &Error{Kind: KindClient}
	ErrTransport   = &Error{Kind: KindTransport}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	switch {
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	case e.Body != "":
		msg += ": " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Method != "" || t.Path != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindServer, KindTransport:
		return true
	}
	return false
}

const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
