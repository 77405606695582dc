package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/protoflow/internal/config"
)

func encode(t *testing.T, enc zapcore.Encoder, msg string, fields ...zapcore.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: msg}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder_PerCallFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	out := encode(t, enc, "submitting",
		zap.String("token", "ghp_abc"),
		zap.String("prompt", "build the login page"),
		zap.String("header", "Bearer abc.def"),
		zap.Error(errors.New("auth failed: api_key=sk-123")),
		zap.String("branch", "prototype/auth-flow"),
	)

	assert.NotContains(t, out, "ghp_abc")
	assert.NotContains(t, out, "build the login page")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "sk-123")
	assert.Contains(t, out, `"token":"[REDACTED]"`)
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"branch":"prototype/auth-flow"`)
}

func TestRedactingEncoder_Message(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	out := encode(t, enc, "calling with Bearer s3cr3t now")
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "calling with [REDACTED] now")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	child := enc.Clone()
	child.AddString("password", "hunter2")
	child.AddString("note", "api_key: abc")
	child.AddString("remote", "origin")

	out := encode(t, child, "msg")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "api_key: abc")
	assert.Contains(t, out, `"remote":"origin"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	out := encode(t, enc, "msg", zap.String("token", "visible"))
	assert.Contains(t, out, "visible")
}

func TestNewRedactingEncoder_RejectsBadPatterns(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"(unclosed"}})
	assert.Error(t, err)

	long := make([]byte, maxPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{string(long)}})
	assert.Error(t, err)
}

func TestSecretHelpers(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("creds",
		Secret("github_token", config.Secret("ghp_1234567890")),
		RedactedString("api_key", "sk-1234567890abcdef"),
	)

	logs := observed.All()
	require.Len(t, logs, 1)
	ctx := logs[0].ContextMap()
	assert.Equal(t, "[REDACTED:19]", ctx["api_key"])
	assert.Equal(t, map[string]interface{}{"github_token": "[REDACTED:14]"}, ctx["github_token"])
}
