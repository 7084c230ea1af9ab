// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
	"github.com/finalverse/finalverse/pkg/serviceplugin/serviceplugintest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newPlugin(t *testing.T, reg *serviceplugintest.Registry) (*Plugin, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := New()
	p.now = c.now
	require.NoError(t, p.Init(context.Background(), reg))
	return p, c
}

func TestBuiltinRegistered(t *testing.T) {
	entry, ok := serviceplugin.Lookup(Name)
	require.True(t, ok)
	assert.Equal(t, Name, entry().Name())
}

func TestReport_Healthy(t *testing.T) {
	bus := eventbus.NewLocalBus()
	t.Cleanup(func() { _ = bus.Close() })

	reg := serviceplugintest.NewRegistry(map[string]any{
		"service":  "core-eu",
		"version":  "1.4.0",
		"services": []any{"greeter"},
	}, bus)
	require.NoError(t, reg.RegisterService(context.Background(), "greeter", "grpc:///greeter"))

	p, c := newPlugin(t, reg)
	c.t = c.t.Add(90 * time.Second)

	r := p.Report(context.Background())
	assert.Equal(t, "core-eu", r.Service)
	assert.Equal(t, "1.4.0", r.Version)
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, "1m30s", r.Uptime)
	assert.InDelta(t, 90.0, r.UptimeSec, 0.001)
	assert.Equal(t, map[string]string{"event_bus": "ok", "service:greeter": "ok"}, r.Checks)

	healthy, reported := reg.Healthy()
	assert.True(t, reported)
	assert.True(t, healthy)
}

func TestReport_Degraded(t *testing.T) {
	reg := serviceplugintest.NewRegistry(map[string]any{"services": []any{"missing", 3}}, nil)
	p, _ := newPlugin(t, reg)

	r := p.Report(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "finalverse-core", r.Service)
	assert.Equal(t, "dev", r.Version)
	assert.Equal(t, map[string]string{"service:missing": serviceplugintest.ErrNotFound.Error()}, r.Checks)
}

func TestHandler_UnhealthyIs503(t *testing.T) {
	p, _ := newPlugin(t, serviceplugintest.NewRegistry(nil, nil))
	p.AddCheck(Check{Name: "store", Critical: true, Run: func(context.Context) error {
		return errors.New("connection refused")
	}})

	routes, err := p.Routes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 1)
	mux := http.NewServeMux()
	mux.Handle(routes[0].Pattern, routes[0].Handler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var r Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "connection refused", r.Checks["store"])
}

func TestHandler_OK(t *testing.T) {
	p, _ := newPlugin(t, serviceplugintest.NewRegistry(nil, nil))
	rec := httptest.NewRecorder()
	p.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"service":"finalverse-core","version":"dev","status":"healthy","uptime":"0s","uptime_seconds":0,"checks":{}}`, rec.Body.String())
}
