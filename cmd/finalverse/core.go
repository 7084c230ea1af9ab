// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/behavior/capability"
	behaviorlua "github.com/finalverse/finalverse/internal/behavior/lua"
	"github.com/finalverse/finalverse/internal/behavior/process"
	behaviorwasm "github.com/finalverse/finalverse/internal/behavior/wasm"
	"github.com/finalverse/finalverse/internal/config"
	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/observability"
	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/internal/service"
	"github.com/finalverse/finalverse/internal/telemetry"
	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

const coreService = "finalverse-core"

var coreFlagKeys = map[string]string{
	"http-addr":    "core.http_addr",
	"grpc-addr":    "core.grpc_addr",
	"metrics-addr": "core.metrics_addr",
	"plugin-dir":   "core.plugin_dir",
	"builtins":     "core.builtins",
	"behavior-dir": "behavior.dir",
}

// NewCoreCmd creates the core subcommand.
func NewCoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core",
		Short: "Start the core process (service plugins, behaviors)",
		Long: `Start the core process which loads native service plugins into the
shared HTTP and gRPC servers and runs behavior plugins on the event bus.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCoreWithDeps(cmd.Context(), cmd, nil)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("http-addr", defaults.Core.HTTPAddr, "HTTP listen address for plugin routes")
	cmd.Flags().String("grpc-addr", defaults.Core.GRPCAddr, "gRPC listen address for plugin services")
	cmd.Flags().String("metrics-addr", defaults.Core.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("plugin-dir", defaults.Core.PluginDir, "directory of native service plugin artifacts")
	cmd.Flags().StringSlice("builtins", nil, "compiled-in service plugins to load")
	cmd.Flags().String("behavior-dir", defaults.Behavior.Dir, "directory of behavior plugins")
	addCommonFlags(cmd)

	return cmd
}

// runCoreWithDeps starts the core process with injectable dependencies.
// If deps is nil, default implementations are used.
func runCoreWithDeps(ctx context.Context, cmd *cobra.Command, deps *CoreDeps) error {
	if deps == nil {
		deps = &CoreDeps{}
	}
	deps.setDefaults()

	cfg, err := loadConfig(cmd, coreFlagKeys)
	if err != nil {
		return err
	}
	logger, shutdownTelemetry, err := setupProcess(ctx, coreService, cfg, &deps.processDeps)
	if err != nil {
		return err
	}
	defer cleanup(logger, "telemetry", shutdownTelemetry)

	logger.Info("starting core process",
		"http_addr", cfg.Core.HTTPAddr,
		"grpc_addr", cfg.Core.GRPCAddr,
		"bus", cfg.Bus.Transport,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	obs := deps.ObservabilityServerFactory(cfg.Core.MetricsAddr, ready.Load, logger)

	bus, err := connectBus(ctx, cfg, &deps.processDeps, logger, internalbus.NewMetrics(obs.Registry()))
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			errutil.LogWarn(logger, "error closing event bus", err)
		}
	}()

	healthSrv := health.NewServer()
	host, err := startServices(ctx, cfg, deps, bus, healthSrv, obs.Metrics(), logger)
	if err != nil {
		return err
	}
	defer cleanup(logger, "service plugins", host.Close)

	mux := http.NewServeMux()
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	if err := host.Mount(ctx, mux, grpcSrv); err != nil {
		return err
	}

	enforcer := capability.NewEnforcer()
	rt, err := newBehaviorRuntime(ctx, cfg, bus, enforcer, obs.Registry(), logger)
	if err != nil {
		return err
	}
	defer cleanup(logger, "sandbox runtime", rt.Close)

	manager := newBehaviorManager(cfg, bus, rt, enforcer, logger)
	defer cleanup(logger, "behavior plugins", manager.Close)
	if err := loadBehaviors(ctx, manager, obs.Metrics(), logger); err != nil {
		return err
	}

	grpcLis, err := deps.ListenerFactory("tcp", cfg.Core.GRPCAddr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Core.GRPCAddr).Wrapf(err, "listen for gRPC")
	}
	httpLis, err := deps.ListenerFactory("tcp", cfg.Core.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Core.HTTPAddr).Wrapf(err, "listen for HTTP")
	}

	grpcErr := make(chan error, 1)
	go func() {
		defer close(grpcErr)
		if serveErr := grpcSrv.Serve(grpcLis); serveErr != nil {
			grpcErr <- serveErr
		}
	}()
	go monitorServerErrors(ctx, cancel, grpcErr, "grpc", logger)

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go monitorServerErrors(ctx, cancel, serveHTTP(httpSrv, httpLis), "http", logger)

	obsStarted := false
	if cfg.Core.MetricsAddr != "" {
		obsErr, err := obs.Start()
		if err != nil {
			grpcSrv.Stop()
			cleanup(logger, "http server", httpSrv.Shutdown)
			return oops.In("cmd").Wrapf(err, "start observability server")
		}
		obsStarted = true
		go monitorServerErrors(ctx, cancel, obsErr, "observability", logger)
	}

	ready.Store(true)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	cmd.Println("Core process started")
	logger.Info("core process ready",
		"http_addr", httpLis.Addr().String(),
		"grpc_addr", grpcLis.Addr().String(),
		"service_plugins", host.Plugins(),
		"behavior_plugins", manager.Plugins(),
	)
	deps.OnReady()

	waitForShutdown(ctx, logger)

	logger.Info("shutting down...")
	ready.Store(false)
	healthSrv.Shutdown()
	grpcSrv.GracefulStop()
	cleanup(logger, "http server", httpSrv.Shutdown)
	if obsStarted {
		cleanup(logger, "observability server", obs.Stop)
	}

	logger.Info("shutdown complete")
	return nil
}

func startServices(ctx context.Context, cfg *config.Config, deps *CoreDeps, bus eventbus.Bus, hs *health.Server, metrics *observability.Metrics, logger *slog.Logger) (*service.Host, error) {
	artifacts := service.BuiltinArtifacts(cfg.Core.Builtins...)
	native, err := service.ScanDir(cfg.Core.PluginDir, logger)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, native...)

	host := service.NewHost(
		service.WithLoader(service.NewLoader(service.WithOpener(deps.NativeOpener))),
		service.WithLogger(logger),
	)
	failures := host.LoadAll(ctx, artifacts)
	metrics.Failed(observability.TierService, len(failures))

	registry := service.NewLocalRegistry(cfg.Plugins, hs, bus, logger)
	if err := host.InitAll(ctx, registry.For); err != nil {
		cleanup(logger, "service plugins", host.Close)
		return nil, err
	}
	metrics.Loaded(observability.TierService, len(host.Plugins()))
	return host, nil
}

// newBehaviorRuntime builds the sandbox for wasm behaviors. The publish host
// function checks grants held by enforcer, which the manager fills.
func newBehaviorRuntime(ctx context.Context, cfg *config.Config, bus eventbus.Bus, enforcer *capability.Enforcer, reg prometheus.Registerer, logger *slog.Logger) (*sandbox.Runtime, error) {
	return sandbox.NewRuntime(ctx,
		sandbox.WithMemoryLimitPages(cfg.Sandbox.MemoryLimitPages),
		sandbox.WithCallTimeout(cfg.Sandbox.CallTimeout),
		sandbox.WithHostFunctions(behaviorwasm.HostFunctions(bus, enforcer, logger)...),
		sandbox.WithLogger(logger),
		sandbox.WithTracer(telemetry.Tracer("sandbox")),
		sandbox.WithMetrics(sandbox.NewMetrics(reg)),
	)
}

func newBehaviorManager(cfg *config.Config, bus eventbus.Bus, rt *sandbox.Runtime, enforcer *capability.Enforcer, logger *slog.Logger) *behavior.Manager {
	return behavior.NewManager(cfg.Behavior.Dir,
		behavior.WithBus(bus),
		behavior.WithEnforcer(enforcer),
		behavior.WithLogger(logger),
		behavior.WithDeliveryTimeout(cfg.Behavior.DeliveryTimeout),
		behavior.WithHost(behavior.TypeWasm, behaviorwasm.NewHost(rt, logger)),
		behavior.WithHost(behavior.TypeLua, behaviorlua.NewHost(logger)),
		behavior.WithHost(behavior.TypeProcess, process.NewHost(process.WithLogger(logger))),
	)
}

// loadBehaviors loads every discovered behavior and subscribes them. A
// plugin that fails to load is logged, counted and skipped.
func loadBehaviors(ctx context.Context, manager *behavior.Manager, metrics *observability.Metrics, logger *slog.Logger) error {
	plugins, err := manager.Discover(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, p := range plugins {
		if err := manager.Load(ctx, p); err != nil {
			errutil.LogWarn(logger, "skipping behavior plugin", err)
			failed++
		}
	}
	metrics.Failed(observability.TierBehavior, failed)
	metrics.Loaded(observability.TierBehavior, len(manager.Plugins()))
	return manager.Start(ctx)
}
