package apperrors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkRetryable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		retryable bool
	}{
		{"server error", http.StatusBadGateway, fmt.Errorf("bad gateway"), true},
		{"rate limited", http.StatusTooManyRequests, fmt.Errorf("slow down"), true},
		{"conflict", http.StatusConflict, fmt.Errorf("conflict_error"), true},
		{"permission denied", http.StatusForbidden, fmt.Errorf("restricted_resource"), false},
		{"validation", http.StatusBadRequest, fmt.Errorf("validation_error"), false},
		{"not found", http.StatusNotFound, fmt.Errorf("object_not_found"), false},
		{"timeout", 0, context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Sink("notion.create", tt.status, tt.err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.True(t, Is(err, KindSink))
		})
	}
}

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Transform("ai.complete", 503, fmt.Errorf("unavailable")))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindTransform, e.Kind)
	assert.Equal(t, 503, e.StatusCode)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, IsFatal(Configf("config", "client id missing")))
	assert.True(t, IsFatal(Auth("refresh", fmt.Errorf("invalid_grant"))))
	assert.False(t, IsFatal(Decode("body", fmt.Errorf("illegal base64"))))
	assert.False(t, IsFatal(fmt.Errorf("plain")))
}

func TestAuthReasonCarriesHint(t *testing.T) {
	err := Auth("google.refresh", fmt.Errorf("invalid_grant"))

	reason := Reason(err)
	assert.Contains(t, reason, "AuthError")
	assert.Contains(t, reason, "invalid_grant")
	assert.Contains(t, reason, "reconnect")
}

func TestUnclassifiedTimeoutIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("boom")))
}

func TestTransientMark(t *testing.T) {
	err := fmt.Errorf("list: %w", Transient(fmt.Errorf("googleapi: Error 503")))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Nil(t, Transient(nil))
}
