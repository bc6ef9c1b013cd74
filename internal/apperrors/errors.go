// Package apperrors defines the error taxonomy shared by every pipeline stage.
//
// Adapters wrap their failures in one of five kinds. The orchestrator uses the
// kind to pick a transition: ConfigError and AuthError abort the whole run,
// DecodeError degrades, TransformError retries, and SinkError retries only
// when it looks transient.
package apperrors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfig    Kind = "ConfigError"
	KindAuth      Kind = "AuthError"
	KindDecode    Kind = "DecodeError"
	KindTransform Kind = "TransformError"
	KindSink      Kind = "SinkError"
)

// ErrTransient marks failures that are worth retrying even though they carry
// no Kind, such as a 503 from the mail provider.
var ErrTransient = errors.New("transient failure")

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// ReconnectHint is attached to every AuthError.
const ReconnectHint = "reconnect the mail account: run `inboxflow auth url` and complete the consent flow"

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Config reports missing or invalid configuration. Never retried.
func Config(op string, err error) error {
	return errors.WithStack(&Error{Kind: KindConfig, Op: op, Err: err})
}

// Configf is Config with a formatted message.
func Configf(op, format string, args ...interface{}) error {
	return Config(op, errors.Newf(format, args...))
}

// Auth reports a rejected OAuth exchange or refresh. Terminal for the credential.
func Auth(op string, err error) error {
	return errors.WithHint(errors.WithStack(&Error{Kind: KindAuth, Op: op, Err: err}), ReconnectHint)
}

// Decode reports a malformed message body.
func Decode(op string, err error) error {
	return errors.WithStack(&Error{Kind: KindDecode, Op: op, Err: err})
}

// Transform reports a completion endpoint failure. Always retryable.
func Transform(op string, status int, err error) error {
	return errors.WithStack(&Error{Kind: KindTransform, Op: op, StatusCode: status, Retryable: true, Err: err})
}

// Sink reports a document store failure. Status 0 means no response was
// received (network error or timeout).
func Sink(op string, status int, err error) error {
	retryable := TransientStatus(status) || (status == 0 && IsTimeout(err))
	if status == 0 && !retryable && err != nil {
		var netErr net.Error
		retryable = errors.As(err, &netErr)
	}
	return errors.WithStack(&Error{Kind: KindSink, Op: op, StatusCode: status, Retryable: retryable, Err: err})
}

// TransientStatus reports whether an HTTP status looks like a temporary failure.
// 409 is Notion's conflict_error, returned when a concurrent transaction
// won and the request may be repeated.
func TransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusConflict:
		return true
	}
	return status >= 500
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the orchestrator may retry after err.
// Unclassified timeouts count as transient.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return IsTimeout(err)
}

// IsFatal reports whether err affects every remaining item of a run.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfig || k == KindAuth
}

// Reason renders err for an ExecutionRecord, including user hints.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (hint: " + hint + ")"
	}
	return msg
}
