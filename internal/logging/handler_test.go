// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package logging

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

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "not JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup("core", "1.0.0", FormatJSON, &buf).Info("loaded", "plugin", "greeter")

	entry := decode(t, &buf)
	assert.Equal(t, "loaded", entry["msg"])
	assert.Equal(t, "core", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "greeter", entry["plugin"])
	assert.Contains(t, entry, "time")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup("gateway", "1.0.0", FormatText, &buf).Info("bound path")

	assert.Contains(t, buf.String(), "bound path")
	assert.Contains(t, buf.String(), "service=gateway")
}

func TestSetup_UnknownFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup("core", "1.0.0", "yaml", &buf).Info("x")
	decode(t, &buf)
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("core", "1.0.0", FormatJSON, &buf)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "traced")
	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestHandler_NoTraceContext(t *testing.T) {
	var buf bytes.Buffer
	Setup("core", "1.0.0", FormatJSON, &buf).Info("untraced")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandler_WithAttrsKeepsService(t *testing.T) {
	var buf bytes.Buffer
	Setup("core", "1.0.0", FormatJSON, &buf).With("plugin", "health").WithGroup("req").Info("x", "path", "/health")

	entry := decode(t, &buf)
	assert.Equal(t, "health", entry["plugin"])
	assert.Equal(t, "core", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, map[string]any{"path": "/health"}, entry["req"])
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(level.Level())
	var buf bytes.Buffer
	logger := Setup("core", "1.0.0", FormatJSON, &buf)

	SetLevel(slog.LevelWarn)
	logger.Info("dropped")
	assert.Empty(t, buf.String())

	SetLevel(slog.LevelDebug)
	logger.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInit_OnlyOnce(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	first := Init("core", "1.0.0", FormatJSON)
	second := Init("gateway", "2.0.0", FormatText)
	assert.Same(t, first, second)
	assert.Same(t, first, slog.Default())
}
