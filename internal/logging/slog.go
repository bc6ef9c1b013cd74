package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation   = "operation"
	KeyPipeline    = "pipeline"
	KeyMessageID   = "message_id"
	KeyExecutionID = "execution_id"
	KeyStage       = "stage"
	KeyAttempt     = "attempt"
	KeyAccount     = "account"
	KeyUserHash    = "user_hash"
	KeyStatus      = "status"
	KeyError       = "error"
)

// New builds a logger writing to w. format is "text" or "json"; level is one
// of debug, info, warn, error.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(h), nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithPipeline returns a logger scoped to one pipeline.
func WithPipeline(logger *slog.Logger, pipelineID string) *slog.Logger {
	return logger.With(slog.String(KeyPipeline, pipelineID))
}

// ForMessage returns a logger scoped to one message of one pipeline.
func ForMessage(logger *slog.Logger, pipelineID, messageID string) *slog.Logger {
	return logger.With(slog.String(KeyPipeline, pipelineID), slog.String(KeyMessageID, messageID))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}

func ExecutionID(id string) slog.Attr {
	return slog.String(KeyExecutionID, id)
}

func Stage(stage string) slog.Attr {
	return slog.String(KeyStage, stage)
}

func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Account returns a slog attribute for the credential account name.
func Account(account string) slog.Attr {
	return slog.String(KeyAccount, account)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns a slog attribute for an error.
// A nil error yields an empty group, which slog omits, so
// logger.Info("done", logging.Err(err)) is safe either way.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeEmail returns a hashed representation of an email for logging purposes.
func AnonymizeEmail(email string) string {
	if email == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized user email.
func UserHash(email string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeEmail(email))
}

// SanitizeToken returns a length marker for a token without exposing any of it.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// ExtractDomain extracts the domain part from an email address.
func ExtractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.TrimSuffix(email[at+1:], ">")
}
