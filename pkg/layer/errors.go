package layer

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindAuthExpired          Kind = "auth_expired"
	KindNotFound             Kind = "not_found"
	KindNotAuthorized        Kind = "not_authorized"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindTooLarge             Kind = "too_large"
	KindUnsupportedContent   Kind = "unsupported_content"
	KindInsufficientMetadata Kind = "insufficient_metadata"
	KindDegradedService      Kind = "degraded_service"
	KindPublicationFailure   Kind = "publication_failure"
	KindInternal             Kind = "internal"
)

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	ErrAuthExpired          = &Error{Kind: KindAuthExpired}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrNotAuthorized        = &Error{Kind: KindNotAuthorized}
	ErrUpstreamUnavailable  = &Error{Kind: KindUpstreamUnavailable}
	ErrTooLarge             = &Error{Kind: KindTooLarge}
	ErrUnsupportedContent   = &Error{Kind: KindUnsupportedContent}
	ErrInsufficientMetadata = &Error{Kind: KindInsufficientMetadata}
	ErrDegradedService      = &Error{Kind: KindDegradedService}
	ErrPublicationFailure   = &Error{Kind: KindPublicationFailure}
	ErrInternal             = &Error{Kind: KindInternal}
)

var defaultMessages = map[Kind]string{
	KindAuthExpired:          "Login timed out. Please sign in to the repository again.",
	KindNotFound:             "The requested resource was not found.",
	KindNotAuthorized:        "You are not authorized to access this resource.",
	KindUpstreamUnavailable:  "The repository or map service is unavailable. Please try again later.",
	KindTooLarge:             "This resource is too large to open.",
	KindUnsupportedContent:   "Resource contains insufficient geospatial information.",
	KindInsufficientMetadata: "Resource contains insufficient geospatial information.",
	KindDegradedService:      "The coordinate system lookup service is degraded.",
	KindPublicationFailure:   "The map service rejected the content.",
	KindInternal:             "An unexpected error occurred. The administrators have been notified.",
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string // Operation that failed, e.g. "publish"
	Msg  string // User-safe detail
	Err  error
}

// NewError builds a classified error.
func NewError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the failure is transient.
func (k Kind) Retryable() bool {
	return k == KindUpstreamUnavailable || k == KindDegradedService
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// UserMessage returns text safe to show to the caller. Internal errors never
// leak their detail.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return defaultMessages[KindInternal]
	}
	if e.Msg != "" {
		return e.Msg
	}
	return defaultMessages[e.Kind]
}

// Errorf builds a classified error with a formatted user message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}
