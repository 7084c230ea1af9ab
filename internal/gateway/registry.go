// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package gateway serves connection-scoped plugins over WebSocket.
//
// Plugins are discovered from a directory, bound to unique paths, and the
// binding set is frozen before the listener starts. Every upgrade takes a
// fresh handler from its plugin, so no state is shared between connections.
package gateway

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"golang.org/x/net/websocket"

	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/errutil"
)

// Binding is one path served by one plugin.
type Binding struct {
	Path   string
	Plugin *LoadedPlugin
}

// Registry holds the path bindings of the gateway.
type Registry struct {
	logger  *slog.Logger
	metrics *Metrics
	origins []glob.Glob

	mu       sync.Mutex
	bindings map[string]*LoadedPlugin
	order    []string
	frozen   bool

	ctx    context.Context
	cancel context.CancelFunc
	conns  map[*wsConn]struct{}
	wg     sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// WithMetrics records connection metrics on m.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) error {
		r.metrics = m
		return nil
	}
}

// WithAllowedOrigins restricts browser upgrades to Origin hosts matching one
// of the glob patterns, such as "*.finalverse.dev". Requests without an
// Origin header are always accepted.
func WithAllowedOrigins(patterns ...string) RegistryOption {
	return func(r *Registry) error {
		for _, p := range patterns {
			g, err := glob.Compile(p, '.')
			if err != nil {
				return oops.In("gateway").With("origin", p).Wrapf(err, "compile origin pattern")
			}
			r.origins = append(r.origins, g)
		}
		return nil
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:   slog.Default(),
		bindings: make(map[string]*LoadedPlugin),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel()
			return nil, err
		}
	}
	return r, nil
}

// Bind claims p's path. A path already bound is a PATH_CONFLICT.
func (r *Registry) Bind(p *LoadedPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := p.RegisterWSPath()
	if r.frozen {
		return oops.Code(CodeRegistryFrozen).
			In("gateway").
			With("plugin", p.Name()).
			With("path", path).
			Wrap(ErrRegistryFrozen)
	}
	if owner, taken := r.bindings[path]; taken {
		return oops.Code(CodePathConflict).
			In("gateway").
			With("path", path).
			With("plugin", p.Name()).
			With("owner", owner.Name()).
			Wrapf(ErrPathConflict, "%s claimed by %s and %s", path, owner.Name(), p.Name())
	}
	r.bindings[path] = p
	r.order = append(r.order, path)
	return nil
}

// Freeze fixes the binding set. Later Bind calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Bindings returns the bindings in bind order.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, len(r.order))
	for _, path := range r.order {
		out = append(out, Binding{Path: path, Plugin: r.bindings[path]})
	}
	return out
}

// Mount freezes the registry and serves every binding on mux.
func (r *Registry) Mount(mux *http.ServeMux) error {
	r.Freeze()
	for _, b := range r.Bindings() {
		srv := websocket.Server{
			Handshake: r.handshake,
			Handler:   r.serve(b.Plugin),
		}
		if rec := oops.Recover(func() { mux.Handle(b.Path, srv) }); rec != nil {
			return oops.Code(CodePathConflict).
				In("gateway").
				With("path", b.Path).
				With("plugin", b.Plugin.Name()).
				Wrapf(ErrPathConflict, "%v", rec)
		}
		r.logger.Info("bound connection plugin", "plugin", b.Plugin.Name(), "path", b.Path)
	}
	return nil
}

// handshake fills cfg.Origin, which x/net/websocket only does in its default
// handshake, then checks it against the allowed origins.
func (r *Registry) handshake(cfg *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(cfg, req)
	if err != nil {
		return oops.In("gateway").Wrapf(err, "parse origin")
	}
	cfg.Origin = origin
	if len(r.origins) == 0 || origin == nil {
		return nil
	}
	host := cfg.Origin.Hostname()
	if slices.ContainsFunc(r.origins, func(g glob.Glob) bool { return g.Match(host) }) {
		return nil
	}
	return oops.In("gateway").With("origin", cfg.Origin.String()).Errorf("origin not allowed")
}

func (r *Registry) serve(p *LoadedPlugin) websocket.Handler {
	return func(ws *websocket.Conn) {
		conn := newWSConn(ws)
		if !r.track(conn) {
			_ = conn.Close()
			return
		}
		defer r.untrack(conn)

		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()
		if req := ws.Request(); req != nil {
			stop := context.AfterFunc(req.Context(), cancel)
			defer stop()
		}

		logger := r.logger.With("plugin", p.Name(), "conn", conn.ID())
		r.metrics.opened(p.Name())
		logger.Debug("connection opened", "remote", conn.RemoteAddr())

		var err error
		if h := p.Take(); h == nil {
			err = oops.In("gateway").With("plugin", p.Name()).Errorf("plugin returned no handler")
		} else if rec := oops.Recover(func() { err = h.ServeConn(ctx, conn) }); rec != nil {
			err = rec
		}
		if errors.Is(err, io.EOF) {
			err = nil
		}

		_ = conn.Close()
		r.metrics.closed(p.Name(), err)
		if err != nil {
			errutil.LogWarn(logger, "connection handler failed", err)
			return
		}
		logger.Debug("connection closed")
	}
}

func (r *Registry) track(c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return false
	}
	r.conns[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Registry) untrack(c *wsConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	r.wg.Done()
}

// Shutdown cancels every handler context, closes open connections and waits
// for handlers to return or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	for c := range r.conns {
		_ = c.Close()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return oops.In("gateway").Wrapf(ctx.Err(), "wait for connection handlers")
	}
}

// BindAll binds every discovered plugin. The first conflict stops binding
// and is returned; it is fatal for the gateway.
func BindAll(r *Registry, plugins iter.Seq[*LoadedPlugin]) error {
	for p := range plugins {
		if err := r.Bind(p); err != nil {
			return err
		}
	}
	return nil
}

var _ connplugin.Conn = (*wsConn)(nil)
