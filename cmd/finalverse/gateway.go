// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/finalverse/finalverse/internal/config"
	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/gateway"
	"github.com/finalverse/finalverse/internal/observability"
	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/internal/telemetry"
	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/errutil"
)

const gatewayService = "finalverse-gateway"

var gatewayFlagKeys = map[string]string{
	"addr":            "gateway.addr",
	"metrics-addr":    "gateway.metrics_addr",
	"plugin-dir":      "gateway.plugin_dir",
	"allowed-origins": "gateway.allowed_origins",
}

// NewGatewayCmd creates the gateway subcommand.
func NewGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway process (websocket connection plugins)",
		Long: `Start the gateway process which discovers connection plugins and
serves each one on its own websocket path. Every connection gets a fresh
handler from the plugin that owns the path.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGatewayWithDeps(cmd.Context(), cmd, nil)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("addr", defaults.Gateway.Addr, "websocket listen address")
	cmd.Flags().String("metrics-addr", defaults.Gateway.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("plugin-dir", defaults.Gateway.PluginDir, "directory of connection plugins")
	cmd.Flags().StringSlice("allowed-origins", nil, "origin glob patterns accepted on upgrade (empty = any)")
	addCommonFlags(cmd)

	return cmd
}

// runGatewayWithDeps starts the gateway process with injectable
// dependencies. If deps is nil, default implementations are used.
func runGatewayWithDeps(ctx context.Context, cmd *cobra.Command, deps *GatewayDeps) error {
	if deps == nil {
		deps = &GatewayDeps{}
	}
	deps.setDefaults()

	cfg, err := loadConfig(cmd, gatewayFlagKeys)
	if err != nil {
		return err
	}
	logger, shutdownTelemetry, err := setupProcess(ctx, gatewayService, cfg, &deps.processDeps)
	if err != nil {
		return err
	}
	defer cleanup(logger, "telemetry", shutdownTelemetry)

	logger.Info("starting gateway process",
		"addr", cfg.Gateway.Addr,
		"plugin_dir", cfg.Gateway.PluginDir,
		"bus", cfg.Bus.Transport,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	obs := deps.ObservabilityServerFactory(cfg.Gateway.MetricsAddr, ready.Load, logger)

	bus, err := connectBus(ctx, cfg, &deps.processDeps, logger, internalbus.NewMetrics(obs.Registry()))
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			errutil.LogWarn(logger, "error closing event bus", err)
		}
	}()

	rt, err := sandbox.NewRuntime(ctx,
		sandbox.WithMemoryLimitPages(cfg.Sandbox.MemoryLimitPages),
		sandbox.WithCallTimeout(cfg.Sandbox.CallTimeout),
		sandbox.WithHostFunctions(gateway.HostFunctions(bus, logger)...),
		sandbox.WithLogger(logger),
		sandbox.WithTracer(telemetry.Tracer("sandbox")),
		sandbox.WithMetrics(sandbox.NewMetrics(obs.Registry())),
	)
	if err != nil {
		return err
	}
	defer cleanup(logger, "sandbox runtime", rt.Close)

	registry, err := gateway.NewRegistry(
		gateway.WithLogger(logger),
		gateway.WithMetrics(gateway.NewMetrics(obs.Registry())),
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins...),
	)
	if err != nil {
		return err
	}

	discoverer := gateway.NewDiscoverer(
		gateway.WithOpener(deps.NativeOpener),
		gateway.WithSandbox(rt),
		gateway.WithEnv(connplugin.Env{Bus: bus, Logger: logger}),
		gateway.WithDiscoverLogger(logger),
	)
	if err := gateway.BindAll(registry, discoverer.Discover(ctx, cfg.Gateway.PluginDir)); err != nil {
		return err
	}
	bindings := registry.Bindings()
	obs.Metrics().Loaded(observability.TierConnection, len(bindings))
	obs.Metrics().Failed(observability.TierConnection, len(discoverer.Failures()))

	mux := http.NewServeMux()
	if err := registry.Mount(mux); err != nil {
		return err
	}

	lis, err := deps.ListenerFactory("tcp", cfg.Gateway.Addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Gateway.Addr).Wrapf(err, "listen for websockets")
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go monitorServerErrors(ctx, cancel, serveHTTP(httpSrv, lis), "websocket", logger)

	obsStarted := false
	if cfg.Gateway.MetricsAddr != "" {
		obsErr, err := obs.Start()
		if err != nil {
			cleanup(logger, "websocket server", httpSrv.Shutdown)
			return oops.In("cmd").Wrapf(err, "start observability server")
		}
		obsStarted = true
		go monitorServerErrors(ctx, cancel, obsErr, "observability", logger)
	}

	ready.Store(true)
	cmd.Println("Gateway process started")
	logger.Info("gateway process ready",
		"addr", lis.Addr().String(),
		"bindings", len(bindings),
		"failures", len(discoverer.Failures()),
	)
	deps.OnReady()

	waitForShutdown(ctx, logger)

	logger.Info("shutting down...")
	ready.Store(false)
	// Hijacked websocket connections are not tracked by http.Server, so
	// the registry closes them and waits for their handlers.
	cleanup(logger, "websocket server", httpSrv.Shutdown)
	cleanup(logger, "connection handlers", registry.Shutdown)
	if obsStarted {
		cleanup(logger, "observability server", obs.Stop)
	}

	logger.Info("shutdown complete")
	return nil
}
