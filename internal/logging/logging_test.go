package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(context.Background(), slog.LevelInfo))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.Info("configured", "jwt_token", "eyJhbGci", "stripe_secret_key", "sk_live", "amount", 300000)

	line := decode(t, &buf)
	assert.Equal(t, Redacted, line["jwt_token"])
	assert.Equal(t, Redacted, line["stripe_secret_key"])
	assert.Equal(t, float64(300000), line["amount"])
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, UserID(ctx))

	ctx = WithUserID(WithRequestID(ctx, "req-123"), "client")
	assert.Equal(t, "req-123", RequestID(ctx))
	assert.Equal(t, "client", UserID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	custom := New("debug", "json")
	assert.Equal(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_AnnotatesRequestUserAndTrace(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithUserID(WithRequestID(ctx, "req-456"), "freelancer")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(ctx, "approve")
	defer span.End()

	L(ctx).Info("milestone approved")

	line := decode(t, &buf)
	assert.Equal(t, "req-456", line["request_id"])
	assert.Equal(t, "freelancer", line["user"])
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
}

func TestL_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("hello")

	line := decode(t, &buf)
	assert.NotContains(t, line, "request_id")
	assert.NotContains(t, line, "trace_id")
}
