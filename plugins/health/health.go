// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package health serves GET /health, a status document for the core
// process. Importing the package registers the "health" builtin.
//
// Settings (plugins.health.*):
//
//	service   name reported in the document (default "finalverse-core")
//	version   version reported in the document (default "dev")
//	services  names that must resolve in the service registry
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

// Name is the plugin and builtin name.
const Name = "health"

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// PingTopic is published to by the bus check.
const PingTopic = "events.system.health"

const checkTimeout = 2 * time.Second

func init() {
	serviceplugin.Register(Name, func() serviceplugin.ServicePlugin { return New() })
}

// Check is one named dependency check. A nil error means the dependency is fine.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// Report is the /health document.
type Report struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	UptimeSec float64           `json:"uptime_seconds"`
	Checks    map[string]string `json:"checks"`
}

// Plugin implements serviceplugin.ServicePlugin.
type Plugin struct {
	mu      sync.RWMutex
	service string
	version string
	checks  []Check
	started time.Time
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an uninitialized health plugin.
func New() *Plugin {
	return &Plugin{
		service: "finalverse-core",
		version: "dev",
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// Name implements serviceplugin.ServicePlugin.
func (p *Plugin) Name() string { return Name }

// Init reads settings and installs the default checks.
func (p *Plugin) Init(_ context.Context, reg serviceplugin.Registry) error {
	p.logger = reg.Logger()
	if v, ok := reg.Config("service"); ok {
		if s, ok := v.(string); ok && s != "" {
			p.service = s
		}
	}
	if v, ok := reg.Config("version"); ok {
		if s, ok := v.(string); ok && s != "" {
			p.version = s
		}
	}

	if bus := reg.Bus(); bus != nil {
		p.AddCheck(Check{Name: "event_bus", Critical: true, Run: busCheck(bus)})
	}
	if v, ok := reg.Config("services"); ok {
		names, _ := v.([]any)
		for _, n := range names {
			name, ok := n.(string)
			if !ok || name == "" {
				continue
			}
			p.AddCheck(Check{Name: "service:" + name, Run: func(ctx context.Context) error {
				_, err := reg.LookupService(ctx, name)
				return err
			}})
		}
	}

	p.mu.Lock()
	p.started = p.now()
	p.mu.Unlock()
	reg.ReportHealth(true)
	return nil
}

func busCheck(bus eventbus.Publisher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return bus.Publish(ctx, PingTopic, []byte("ping"))
	}
}

// AddCheck adds a check run on every request.
func (p *Plugin) AddCheck(c Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks = append(p.checks, c)
}

// Routes implements serviceplugin.ServicePlugin.
func (p *Plugin) Routes(context.Context) (serviceplugin.RouteSet, error) {
	var rs serviceplugin.RouteSet
	rs.HandleFunc("GET /health", p.handleHealth)
	return rs, nil
}

// RegisterGRPC implements serviceplugin.ServicePlugin. Health over gRPC is
// served by the core's grpc_health_v1 server.
func (p *Plugin) RegisterGRPC(grpc.ServiceRegistrar) error { return nil }

// Report runs every check. Any failing critical check makes the status
// unhealthy; other failures make it degraded.
func (p *Plugin) Report(ctx context.Context) Report {
	p.mu.RLock()
	checks := append([]Check(nil), p.checks...)
	started := p.started
	p.mu.RUnlock()

	uptime := p.now().Sub(started)
	r := Report{
		Service:   p.service,
		Version:   p.version,
		Status:    StatusHealthy,
		Uptime:    uptime.Truncate(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Run(cctx)
		cancel()
		if err == nil {
			r.Checks[c.Name] = "ok"
			continue
		}
		r.Checks[c.Name] = err.Error()
		switch {
		case c.Critical:
			r.Status = StatusUnhealthy
		case r.Status == StatusHealthy:
			r.Status = StatusDegraded
		}
	}
	return r
}

func (p *Plugin) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := p.Report(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		p.logger.Error("failed to write health response", "error", err)
	}
}
