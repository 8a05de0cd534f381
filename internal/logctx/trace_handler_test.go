package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

func TestTraceHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "probe accepted", "product_id", "prod-1")

	entry := logLine(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "probe accepted", entry["msg"])
	assert.Equal(t, "prod-1", entry["product_id"])
}

func TestTraceHandlerInjectsSpanFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t))
	logger.InfoContext(ctx, "download finished")

	entry := logLine(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "download finished", entry["msg"])
}

func TestTraceHandlerEnabledDelegates(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandlerWithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil)).
		WithAttrs([]slog.Attr{slog.String("component", "downloader")})

	require.IsType(t, &TraceHandler{}, h)

	ctx := trace.ContextWithSpanContext(context.Background(), spanContext(t))
	slog.New(h).InfoContext(ctx, "msg")

	entry := logLine(t, &buf)
	assert.Equal(t, "downloader", entry["component"])
	assert.Contains(t, entry, "trace_id")
}

func TestTraceHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil)).WithGroup("batch")

	require.IsType(t, &TraceHandler{}, h)

	slog.New(h).InfoContext(context.Background(), "msg", "id", "batch-1")

	entry := logLine(t, &buf)
	group, ok := entry["batch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "batch-1", group["id"])
}

func TestTraceHandlerNilHandlerPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}
