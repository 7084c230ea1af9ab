// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package service

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/samber/oops"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

// LocalRegistry is the in-process service registry. Health reports are
// mirrored into a gRPC health server so external health checkers see them.
type LocalRegistry struct {
	mu       sync.RWMutex
	services map[string]string
	config   map[string]map[string]any

	health *health.Server
	bus    eventbus.Bus
	logger *slog.Logger
}

// NewLocalRegistry creates a registry. config maps plugin name to that
// plugin's settings; health and bus may be nil.
func NewLocalRegistry(config map[string]map[string]any, hs *health.Server, bus eventbus.Bus, logger *slog.Logger) *LocalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRegistry{
		services: make(map[string]string),
		config:   config,
		health:   hs,
		bus:      bus,
		logger:   logger,
	}
}

// Register records that name is reachable at rawURL.
func (r *LocalRegistry) Register(_ context.Context, name, rawURL string) error {
	if strings.TrimSpace(name) == "" {
		return oops.In("service").Errorf("service name is empty")
	}
	if _, err := url.Parse(rawURL); err != nil || rawURL == "" {
		return oops.In("service").With("service", name).With("url", rawURL).Errorf("invalid service url")
	}

	r.mu.Lock()
	r.services[name] = rawURL
	r.mu.Unlock()

	r.logger.Debug("registered service", "service", name, "url", rawURL)
	return nil
}

// Lookup returns the url registered for name.
func (r *LocalRegistry) Lookup(_ context.Context, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.services[name]
	if !ok {
		return "", oops.Code(CodeServiceNotFound).In("service").With("service", name).Wrap(ErrServiceNotFound)
	}
	return u, nil
}

// Services returns a copy of every registration.
func (r *LocalRegistry) Services() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// ReportHealth sets the serving status of name.
func (r *LocalRegistry) ReportHealth(name string, healthy bool) {
	if r.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus(name, status)
}

// For returns the Registry view handed to plugin.
func (r *LocalRegistry) For(plugin string) serviceplugin.Registry {
	return &pluginView{
		registry: r,
		plugin:   plugin,
		logger:   r.logger.With("plugin", plugin),
	}
}

type pluginView struct {
	registry *LocalRegistry
	plugin   string
	logger   *slog.Logger
}

func (v *pluginView) RegisterService(ctx context.Context, name, rawURL string) error {
	return v.registry.Register(ctx, name, rawURL)
}

func (v *pluginView) LookupService(ctx context.Context, name string) (string, error) {
	return v.registry.Lookup(ctx, name)
}

func (v *pluginView) ReportHealth(healthy bool) {
	v.registry.ReportHealth(v.plugin, healthy)
}

func (v *pluginView) Config(key string) (any, bool) {
	settings, ok := v.registry.config[v.plugin]
	if !ok {
		return nil, false
	}
	val, ok := settings[key]
	return val, ok
}

func (v *pluginView) Bus() eventbus.Bus { return v.registry.bus }

func (v *pluginView) Logger() *slog.Logger { return v.logger }
