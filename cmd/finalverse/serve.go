// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/finalverse/finalverse/internal/config"
	internalbus "github.com/finalverse/finalverse/internal/eventbus"
	"github.com/finalverse/finalverse/internal/logging"
	"github.com/finalverse/finalverse/internal/telemetry"
	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// shutdownTimeout bounds graceful shutdown of each server.
const shutdownTimeout = 5 * time.Second

// Flags shared by core and gateway, mapped to configuration keys.
var commonFlagKeys = map[string]string{
	"log-format": "log.format",
	"log-level":  "log.level",
	"bus":        "bus.transport",
	"nats-url":   "bus.nats_url",
}

func addCommonFlags(cmd *cobra.Command) {
	defaults := config.Default()
	cmd.Flags().String("log-format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("bus", defaults.Bus.Transport, "event bus transport (local or nats)")
	cmd.Flags().String("nats-url", defaults.Bus.NATSURL, "NATS server url for the nats transport")
}

// loadConfig layers --config, the environment and the changed flags of cmd
// named in keys.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	all := make(map[string]string, len(commonFlagKeys)+len(keys))
	for k, v := range commonFlagKeys {
		all[k] = v
	}
	for k, v := range keys {
		all[k] = v
	}
	return config.Load(configFile, cmd.Flags(), all)
}

// setupProcess installs the default logger and trace export.
func setupProcess(ctx context.Context, service string, cfg *config.Config, deps *processDeps) (*slog.Logger, telemetry.ShutdownFunc, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Init(service, version, cfg.Log.Format)
	logging.SetLevel(level)

	shutdown, err := deps.TelemetrySetup(ctx, telemetry.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Service:  service,
		Version:  version,
	})
	if err != nil {
		return nil, nil, oops.In("cmd").With("service", service).Wrapf(err, "set up telemetry")
	}
	return logger, shutdown, nil
}

func connectBus(ctx context.Context, cfg *config.Config, deps *processDeps, logger *slog.Logger, metrics *internalbus.Metrics) (eventbus.Bus, error) {
	bus, err := deps.BusFactory(ctx, internalbus.Config{
		Transport:      cfg.Bus.Transport,
		NATSURL:        cfg.Bus.NATSURL,
		ConnectRetries: cfg.Bus.ConnectRetries,
		ConnectBackoff: cfg.Bus.ConnectBackoff,
		BufferSize:     cfg.Bus.BufferSize,
	}, logger, metrics)
	if err != nil {
		return nil, oops.In("cmd").With("transport", cfg.Bus.Transport).Wrapf(err, "connect event bus")
	}
	logger.Info("event bus connected", "transport", cfg.Bus.Transport)
	return bus, nil
}

// serveHTTP serves h on lis. The returned channel receives a serve error,
// if any, and is closed when the server stops.
func serveHTTP(srv *http.Server, lis net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// waitForShutdown blocks until a signal arrives or ctx is cancelled.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}

// cleanup runs fn with a fresh timeout and logs its error.
func cleanup(logger *slog.Logger, what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		errutil.LogWarn(logger, "error stopping "+what, err)
	}
}
