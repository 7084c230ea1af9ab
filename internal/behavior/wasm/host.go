// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package wasm runs behavior plugins in the sandbox runtime.
//
// Each plugin gets a pool of isolated instances of its module. Guests emit
// by calling the env.publish host function during on_event, so Deliver never
// returns emits; the publish grant is checked per call.
package wasm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/behavior/capability"
	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

var _ behavior.Host = (*Host)(nil)

// HostFunctions returns the env imports behaviors may use: log, and publish
// gated by the publish grants held in enforcer.
func HostFunctions(pub eventbus.Publisher, enforcer *capability.Enforcer, logger *slog.Logger) []sandbox.HostFunction {
	return []sandbox.HostFunction{
		sandbox.LogFunction(logger),
		sandbox.PublishFunction(pub, enforcer.CanPublish, logger),
	}
}

// Host runs wasm behaviors on a shared runtime. The runtime should be built
// with HostFunctions so guests can publish.
type Host struct {
	runtime *sandbox.Runtime
	logger  *slog.Logger

	mu      sync.RWMutex
	pools   map[string]*sandbox.Pool
	digests map[string]string
	closed  bool
}

// NewHost creates a host compiling modules on rt.
func NewHost(rt *sandbox.Runtime, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		runtime: rt,
		logger:  logger,
		pools:   make(map[string]*sandbox.Pool),
		digests: make(map[string]string),
	}
}

// Load compiles the plugin's module under the plugin name and starts its
// pool. The module name is what publish grants are checked against, so two
// plugins may not share identical module bytes.
func (h *Host) Load(ctx context.Context, m *behavior.Manifest, dir string) error {
	if m.Wasm == nil {
		return oops.In("wasm").With("plugin", m.Name).Errorf("manifest has no wasm section")
	}
	path := filepath.Join(dir, m.Wasm.Module)
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return oops.Code(sandbox.CodeInvalidModule).
			In("wasm").
			With("plugin", m.Name).
			With("path", path).
			Wrapf(sandbox.ErrInvalidModule, "read module: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return oops.Code(behavior.CodeHostClosed).In("wasm").With("plugin", m.Name).Wrap(behavior.ErrHostClosed)
	}
	if _, dup := h.pools[m.Name]; dup {
		return oops.Code(behavior.CodeDuplicatePlugin).In("wasm").With("plugin", m.Name).Wrap(behavior.ErrDuplicatePlugin)
	}
	digest := sandbox.Digest(code)
	for other, d := range h.digests {
		if d == digest {
			return oops.Code(behavior.CodeDuplicatePlugin).
				In("wasm").
				With("plugin", m.Name).
				With("owner", other).
				Hint("each wasm behavior needs its own module build").
				Wrapf(behavior.ErrDuplicatePlugin, "module already loaded by %s", other)
		}
	}

	mod, err := h.runtime.Compile(ctx, m.Name, code)
	if err != nil {
		return err
	}
	pool, err := sandbox.NewPool(ctx, mod, m.Wasm.PoolSize())
	if err != nil {
		return err
	}
	h.pools[m.Name] = pool
	h.digests[m.Name] = digest
	h.logger.Debug("loaded wasm behavior", "plugin", m.Name, "digest", digest, "instances", m.Wasm.PoolSize())
	return nil
}

// Unload closes the plugin's pool.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	pool, ok := h.pools[name]
	delete(h.pools, name)
	delete(h.digests, name)
	h.mu.Unlock()

	if !ok {
		return oops.Code(behavior.CodeNotLoaded).In("wasm").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}
	return pool.Close(ctx)
}

// Deliver runs on_event with ev on one of the plugin's instances. A trap
// discards that instance; the pool replaces it on a later call.
func (h *Host) Deliver(ctx context.Context, name string, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
	h.mu.RLock()
	pool, ok := h.pools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, oops.Code(behavior.CodeNotLoaded).In("wasm").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}

	err := pool.CallOnEvent(ctx, sandbox.EventContext{
		EntityID:  ev.EntityID,
		EventType: ev.Type,
		Payload:   ev.Payload,
	})
	return nil, err
}

// Plugins returns the loaded plugin names, sorted.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.pools))
	for name := range h.pools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every pool. The runtime is left to its owner.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	pools := h.pools
	h.pools = make(map[string]*sandbox.Pool)
	clear(h.digests)
	h.closed = true
	h.mu.Unlock()

	var errs []error
	for _, pool := range pools {
		if err := pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
