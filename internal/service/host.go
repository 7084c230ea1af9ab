// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package service hosts native service plugins inside the core process.
//
// Startup runs in three phases: LoadAll resolves artifacts (bad artifacts are
// logged and skipped), InitAll initializes every plugin exactly once (any
// failure is fatal), and Mount merges routes and gRPC services into the
// shared servers after checking for conflicts.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/samber/oops"
	"google.golang.org/grpc"

	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

type hosted struct {
	plugin   serviceplugin.ServicePlugin
	artifact Artifact
	once     sync.Once
	initErr  error
}

// Host owns every loaded service plugin for the life of the process.
type Host struct {
	loader *Loader
	logger *slog.Logger

	mu          sync.Mutex
	plugins     []*hosted
	byName      map[string]*hosted
	initialized bool
	mounted     bool
	closed      bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLoader sets the artifact loader.
func WithLoader(l *Loader) HostOption {
	return func(h *Host) {
		h.loader = l
	}
}

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates an empty host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		loader: NewLoader(),
		logger: slog.Default(),
		byName: make(map[string]*hosted),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// LoadAll loads each artifact in order. Artifacts that fail to load are
// logged and skipped; the returned slice holds their errors.
func (h *Host) LoadAll(ctx context.Context, artifacts []Artifact) []error {
	var failures []error
	for _, a := range artifacts {
		if err := h.Load(ctx, a); err != nil {
			errutil.LogWarn(h.logger, "skipping service plugin", err)
			failures = append(failures, err)
		}
	}
	return failures
}

// Load loads one artifact. Plugins cannot be added after InitAll.
func (h *Host) Load(ctx context.Context, a Artifact) error {
	p, err := h.loader.Load(ctx, a)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return oops.In("service").With("artifact", a.String()).Errorf("cannot load plugins after init")
	}
	name := p.Name()
	if prev, dup := h.byName[name]; dup {
		return oops.Code(CodeDuplicatePlugin).
			In("service").
			With("artifact", a.String()).
			With("plugin", name).
			With("loaded_from", prev.artifact.String()).
			Wrapf(ErrDuplicatePlugin, "plugin %q already loaded", name)
	}

	entry := &hosted{plugin: p, artifact: a}
	h.plugins = append(h.plugins, entry)
	h.byName[name] = entry
	h.logger.Info("loaded service plugin", "plugin", name, "artifact", a.String(), "digest", a.Digest)
	return nil
}

// Plugins returns loaded plugin names in load order.
func (h *Host) Plugins() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.plugins))
	for _, p := range h.plugins {
		names = append(names, p.plugin.Name())
	}
	return names
}

// InitAll initializes each plugin exactly once, in load order, stopping at
// the first failure. reg builds the Registry view handed to each plugin.
func (h *Host) InitAll(ctx context.Context, reg func(plugin string) serviceplugin.Registry) error {
	h.mu.Lock()
	h.initialized = true
	plugins := slices.Clone(h.plugins)
	h.mu.Unlock()

	for _, p := range plugins {
		p.once.Do(func() {
			name := p.plugin.Name()
			if rec := oops.Recover(func() { p.initErr = p.plugin.Init(ctx, reg(name)) }); rec != nil {
				p.initErr = rec
			}
		})
		if p.initErr != nil {
			return oops.Code(CodeInitFailed).
				In("service").
				With("plugin", p.plugin.Name()).
				Wrapf(ErrInitFailed, "%v", p.initErr)
		}
		h.logger.Debug("initialized service plugin", "plugin", p.plugin.Name())
	}
	return nil
}

type claim struct {
	plugin string
	route  serviceplugin.Route
}

// Mount registers every plugin's routes on mux and services on srv. Routes
// are checked for conflicts before anything is registered: two plugins
// claiming the same pattern is a ROUTE_CONFLICT, as is any pair of patterns
// the mux itself would reject.
func (h *Host) Mount(ctx context.Context, mux *http.ServeMux, srv grpc.ServiceRegistrar) error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return oops.Code(CodeNotInitialized).In("service").Wrap(ErrNotInitialized)
	}
	if h.mounted {
		h.mu.Unlock()
		return oops.In("service").Errorf("plugins already mounted")
	}
	h.mounted = true
	plugins := slices.Clone(h.plugins)
	h.mu.Unlock()

	claims, err := gatherRoutes(ctx, plugins)
	if err != nil {
		return err
	}
	if err := checkConflicts(claims); err != nil {
		return err
	}

	for _, c := range claims {
		if rec := oops.Recover(func() { mux.Handle(c.route.Pattern, c.route.Handler) }); rec != nil {
			return oops.Code(CodeRouteConflict).
				In("service").
				With("plugin", c.plugin).
				With("path", c.route.Pattern).
				Wrapf(ErrRouteConflict, "%v", rec)
		}
		h.logger.Debug("mounted route", "plugin", c.plugin, "path", c.route.Pattern)
	}

	for _, p := range plugins {
		var regErr error
		if rec := oops.Recover(func() { regErr = p.plugin.RegisterGRPC(srv) }); rec != nil {
			regErr = rec
		}
		if regErr != nil {
			return oops.Code(CodeRegisterFailed).
				In("service").
				With("plugin", p.plugin.Name()).
				Wrapf(ErrRegisterFailed, "register grpc: %v", regErr)
		}
	}

	h.logger.Info("service plugins mounted", "plugins", len(plugins), "routes", len(claims))
	return nil
}

func gatherRoutes(ctx context.Context, plugins []*hosted) ([]claim, error) {
	var claims []claim
	for _, p := range plugins {
		name := p.plugin.Name()
		routes, err := p.plugin.Routes(ctx)
		if err != nil {
			return nil, oops.Code(CodeRegisterFailed).
				In("service").
				With("plugin", name).
				Wrapf(ErrRegisterFailed, "routes: %v", err)
		}
		for _, r := range routes {
			if r.Pattern == "" || r.Handler == nil {
				return nil, oops.Code(CodeRegisterFailed).
					In("service").
					With("plugin", name).
					With("path", r.Pattern).
					Wrapf(ErrRegisterFailed, "route needs a pattern and a handler")
			}
			claims = append(claims, claim{plugin: name, route: r})
		}
	}
	return claims, nil
}

// checkConflicts rejects two plugins claiming the same path. Method and host
// qualifiers are ignored: "GET /health" in one plugin would otherwise shadow
// "/health" in another.
func checkConflicts(claims []claim) error {
	owners := make(map[string]string, len(claims))
	for _, c := range claims {
		path := routePath(c.route.Pattern)
		if owner, taken := owners[path]; taken && owner != c.plugin {
			return oops.Code(CodeRouteConflict).
				In("service").
				With("path", path).
				With("plugin", c.plugin).
				With("owner", owner).
				Wrapf(ErrRouteConflict, "%s claimed by %s and %s", path, owner, c.plugin)
		}
		owners[path] = c.plugin
	}

	// ServeMux panics on patterns that overlap without one being more
	// specific; find those on a scratch mux first.
	scratch := http.NewServeMux()
	for _, c := range claims {
		if rec := oops.Recover(func() { scratch.Handle(c.route.Pattern, http.NotFoundHandler()) }); rec != nil {
			return oops.Code(CodeRouteConflict).
				In("service").
				With("path", c.route.Pattern).
				With("plugin", c.plugin).
				Wrapf(ErrRouteConflict, "%v", rec)
		}
	}
	return nil
}

// routePath strips the optional method and host from a ServeMux pattern.
func routePath(pattern string) string {
	p := strings.TrimSpace(pattern)
	if i := strings.IndexAny(p, " \t"); i >= 0 {
		p = strings.TrimSpace(p[i+1:])
	}
	if i := strings.Index(p, "/"); i > 0 {
		p = p[i:]
	}
	return p
}

// Close releases plugins in reverse load order.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, p := range slices.Backward(h.plugins) {
		closer, ok := p.plugin.(serviceplugin.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			errs = append(errs, oops.In("service").With("plugin", p.plugin.Name()).Wrapf(err, "close plugin"))
		}
	}
	return errors.Join(errs...)
}
