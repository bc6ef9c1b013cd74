package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
	}{
		{"text default", "", "", false},
		{"json debug", "json", "debug", false},
		{"warning alias", "text", "warning", false},
		{"bad format", "xml", "info", true},
		{"bad level", "text", "loud", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(&bytes.Buffer{}, tt.format, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestForMessageAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", "info")
	require.NoError(t, err)

	ForMessage(logger, "digest", "msg-1").Info("stage completed", Stage("writing"), Attempt(2), Err(nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "digest", entry[KeyPipeline])
	assert.Equal(t, "msg-1", entry[KeyMessageID])
	assert.Equal(t, "writing", entry[KeyStage])
	assert.Equal(t, float64(2), entry[KeyAttempt])
	assert.NotContains(t, entry, KeyError)
}

func TestErr(t *testing.T) {
	attr := Err(errors.New("boom"))
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, "boom", attr.Value.String())

	assert.Equal(t, slog.KindGroup, Err(nil).Value.Kind())
}

func TestAnonymizeEmail(t *testing.T) {
	a := AnonymizeEmail("Jane@Example.com")
	b := AnonymizeEmail(" jane@example.com")

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "user:"))
	assert.NotContains(t, a, "example")
	assert.Empty(t, AnonymizeEmail(""))
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "<empty>", SanitizeToken(""))
	assert.Equal(t, "[token:6 chars]", SanitizeToken("ya29.x"))
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractDomain("jane@example.com"))
	assert.Equal(t, "example.com", ExtractDomain("Jane <jane@example.com>"))
	assert.Empty(t, ExtractDomain("nobody"))
	assert.Empty(t, ExtractDomain("trailing@"))
}
