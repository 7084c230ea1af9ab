// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// Transport names accepted by New.
const (
	TransportLocal = transportLocal
	TransportNATS  = transportNATS
)

// Config selects and configures a bus transport.
type Config struct {
	Transport      string
	NATSURL        string
	ConnectRetries uint64
	ConnectBackoff time.Duration
	BufferSize     int
}

// New creates the bus selected by cfg.Transport. An empty transport selects
// the local bus.
func New(ctx context.Context, cfg Config, logger *slog.Logger, metrics *Metrics) (eventbus.Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Transport {
	case "", TransportLocal:
		return NewLocalBus(
			WithBufferSize(cfg.BufferSize),
			WithLogger(logger),
			WithMetrics(metrics),
		), nil
	case TransportNATS:
		return NewNATSBus(ctx, NATSConfig{
			URL:            cfg.NATSURL,
			ConnectRetries: cfg.ConnectRetries,
			ConnectBackoff: cfg.ConnectBackoff,
			Logger:         logger,
			Metrics:        metrics,
		})
	default:
		return nil, oops.Code("UNKNOWN_TRANSPORT").
			In("eventbus").
			With("transport", cfg.Transport).
			Errorf("unknown bus transport %q", cfg.Transport)
	}
}
