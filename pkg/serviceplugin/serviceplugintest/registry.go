// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package serviceplugintest provides an in-memory serviceplugin.Registry for
// plugin tests.
package serviceplugintest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/finalverse/finalverse/pkg/eventbus"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

// ErrNotFound is returned by LookupService for unknown names.
var ErrNotFound = errors.New("service not found")

// Registry records what a plugin does with its registry.
type Registry struct {
	mu       sync.Mutex
	services map[string]string
	healthy  *bool
	config   map[string]any
	bus      eventbus.Bus
	logger   *slog.Logger
}

var _ serviceplugin.Registry = (*Registry)(nil)

// NewRegistry returns a registry serving config. bus may be nil.
func NewRegistry(config map[string]any, bus eventbus.Bus) *Registry {
	return &Registry{
		services: make(map[string]string),
		config:   config,
		bus:      bus,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// RegisterService implements serviceplugin.Registry.
func (r *Registry) RegisterService(_ context.Context, name, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = url
	return nil
}

// LookupService implements serviceplugin.Registry.
func (r *Registry) LookupService(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	url, ok := r.services[name]
	if !ok {
		return "", ErrNotFound
	}
	return url, nil
}

// ReportHealth implements serviceplugin.Registry.
func (r *Registry) ReportHealth(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = &healthy
}

// Config implements serviceplugin.Registry.
func (r *Registry) Config(key string) (any, bool) {
	v, ok := r.config[key]
	return v, ok
}

// Bus implements serviceplugin.Registry.
func (r *Registry) Bus() eventbus.Bus { return r.bus }

// Logger implements serviceplugin.Registry.
func (r *Registry) Logger() *slog.Logger { return r.logger }

// Services returns a copy of the registered services.
func (r *Registry) Services() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// Healthy returns the last health report and whether one was made.
func (r *Registry) Healthy() (healthy, reported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.healthy == nil {
		return false, false
	}
	return *r.healthy, true
}
