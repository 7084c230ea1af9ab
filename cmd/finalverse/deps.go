// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/observability"
	"github.com/finalverse/finalverse/internal/service"
	"github.com/finalverse/finalverse/internal/telemetry"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
	Metrics() *observability.Metrics
}

// processDeps are shared by the core and gateway commands. All fields with
// nil values use their default implementations.
type processDeps struct {
	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// BusFactory connects the event bus.
	// Default: internal/eventbus.New
	BusFactory func(ctx context.Context, cfg internalbus.Config, logger *slog.Logger, metrics *internalbus.Metrics) (eventbus.Bus, error)

	// TelemetrySetup installs trace export.
	// Default: telemetry.Setup
	TelemetrySetup func(ctx context.Context, cfg telemetry.Config) (telemetry.ShutdownFunc, error)

	// ListenerFactory creates network listeners.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)

	// NativeOpener opens native plugin artifacts.
	// Default: service.GoPluginOpener
	NativeOpener service.Opener

	// OnReady is called once every server is accepting traffic.
	OnReady func()
}

// CoreDeps contains injectable dependencies for the core command.
type CoreDeps struct {
	processDeps
}

// GatewayDeps contains injectable dependencies for the gateway command.
type GatewayDeps struct {
	processDeps
}

func (d *processDeps) setDefaults() {
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if d.BusFactory == nil {
		d.BusFactory = internalbus.New
	}
	if d.TelemetrySetup == nil {
		d.TelemetrySetup = telemetry.Setup
	}
	if d.ListenerFactory == nil {
		d.ListenerFactory = net.Listen
	}
	if d.NativeOpener == nil {
		d.NativeOpener = service.GoPluginOpener
	}
	if d.OnReady == nil {
		d.OnReady = func() {}
	}
}
