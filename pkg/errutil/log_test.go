// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/pkg/errutil"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("ROUTE_CONFLICT").
		In("service").
		With("path", "/health").
		Hint("rename one of the routes").
		Errorf("route claimed twice")

	errutil.LogError(logger, "mount failed", err)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "mount failed", entry["msg"])
	assert.Equal(t, "ROUTE_CONFLICT", entry["code"])
	assert.Equal(t, "service", entry["domain"])
	assert.Equal(t, "rename one of the routes", entry["hint"])
	ctx, ok := entry["context"].(map[string]any)
	require.True(t, ok, "context should be an object")
	assert.Equal(t, "/health", ctx["path"])
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
	assert.NotContains(t, entry, "code")
}

func TestLogWarn_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogWarn(logger, "artifact skipped", oops.Code("ABI_MISMATCH").Errorf("bad symbol"))

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "ABI_MISMATCH", entry["code"])
}

func TestCode(t *testing.T) {
	assert.Equal(t, "EXECUTION_TRAP", errutil.Code(oops.Code("EXECUTION_TRAP").Errorf("trap")))
	assert.Equal(t, "", errutil.Code(oops.Errorf("no code")))
	assert.Equal(t, "", errutil.Code(errors.New("plain")))
}
