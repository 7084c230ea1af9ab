// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package logging builds the process slog logger. Records carry the service
// name, build version and, when the context holds a span, its trace and
// span ids.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// Formats accepted by Setup.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// level is shared by every logger built here so SetLevel applies at runtime.
var level slog.LevelVar

// traceHandler adds trace and span ids. Service and version are bound on
// the wrapped handler before any group, so they stay top-level.
type traceHandler struct {
	handler slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanCtx.SpanID().String()))
	}

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name)}
}

// Setup creates a logger writing to w (os.Stderr when nil). format is
// "json" or "text"; anything else falls back to json.
func Setup(service, version, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: &level}
	var base slog.Handler
	if format == FormatText {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	base = base.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	})
	return slog.New(&traceHandler{handler: base})
}

var (
	initOnce   sync.Once
	initLogger *slog.Logger
)

// Init installs the default logger once per process. Later calls return
// the first logger and change nothing.
func Init(service, version, format string) *slog.Logger {
	initOnce.Do(func() {
		initLogger = Setup(service, version, format, nil)
		slog.SetDefault(initLogger)
	})
	return initLogger
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, oops.In("logging").With("level", s).Hint("use debug, info, warn or error").Wrap(err)
	}
	return l, nil
}

// SetLevel changes the minimum level of every logger built by Setup.
func SetLevel(l slog.Level) {
	level.Set(l)
}
