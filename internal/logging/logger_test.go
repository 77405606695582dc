package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/protoflow/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))

	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
	}{
		{"trace", func() { tl.Trace(ctx, "trace message") }, TraceLevel},
		{"debug", func() { tl.Debug(ctx, "debug message") }, zapcore.DebugLevel},
		{"info", func() { tl.Info(ctx, "info message") }, zapcore.InfoLevel},
		{"warn", func() { tl.Warn(ctx, "warn message") }, zapcore.WarnLevel},
		{"error", func() { tl.Error(ctx, "error message") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log()
			logs := tl.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, tt.name+" message", logs[0].Message)
		})
	}
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithBranch(ctx, "prototype/auth-flow")
	ctx = WithStage(ctx, "spec")

	tl.Info(ctx, "committed", zap.Int("files", 2))

	tl.AssertField(t, "committed", "request.id", "req-1")
	tl.AssertBranch(t, "committed", "prototype/auth-flow")
	tl.AssertField(t, "committed", "stage", "spec")
	tl.AssertField(t, "committed", "files", int64(2))
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl.Info(ctx, "traced")
	tl.AssertField(t, "traced", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "traced", "span_id", sc.SpanID().String())
	tl.AssertField(t, "traced", "trace_sampled", true)
}

func TestLogger_WithAndNamed(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	parent := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	child := parent.Named("pipeline").With(zap.String("repo", "/srv/protos"))
	child.Info(context.Background(), "child")
	parent.Info(context.Background(), "parent")

	logs := observed.All()
	require.Len(t, logs, 2)
	assert.Equal(t, "pipeline", logs[0].LoggerName)
	assert.Equal(t, "/srv/protos", logs[0].ContextMap()["repo"])
	assert.Empty(t, logs[1].LoggerName)
	assert.NotContains(t, logs[1].ContextMap(), "repo")
}

func TestFromContext(t *testing.T) {
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	nop.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestWithRequestID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithRequestID(context.Background(), "") })
	assert.Panics(t, func() { WithRequestID(context.Background(), "has space") })
	assert.NotPanics(t, func() { WithRequestID(context.Background(), "abc_123-x") })
}

func TestWithBranch_DropsUnusableValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, BranchFromContext(WithBranch(ctx, "")))
	assert.Empty(t, BranchFromContext(WithBranch(ctx, string([]byte{0xff, 0xfe}))))
	assert.Equal(t, "spike/001-x", BranchFromContext(WithBranch(ctx, "spike/001-x")))
	assert.Empty(t, StageFromContext(WithStage(ctx, "")))
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "trace", LevelName(TraceLevel))
	assert.Equal(t, "info", LevelName(zapcore.InfoLevel))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Console = false; c.Output.OTEL = false }},
		{"bad stream", func(c *Config) { c.Output.Stream = "file" }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }},
	}
	require.NoError(t, NewDefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewCore_Outputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = true
	core, err := newCore(cfg, nil)
	require.NoError(t, err, "otel without a provider falls back to console")
	assert.NotNil(t, core)

	cfg.Output.Console = false
	_, err = newCore(cfg, nil)
	assert.Error(t, err)
}

func TestFromSection(t *testing.T) {
	cfg, err := FromSection(config.LoggingConfig{Level: "debug", Format: "console", Stream: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, StreamStdout, cfg.Output.Stream)
	assert.True(t, cfg.Redaction.Enabled)

	_, err = FromSection(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = FromSection(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
