// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package process runs behavior plugins as separate executables through
// HashiCorp go-plugin over gRPC.
package process

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
)

var _ behavior.Host = (*Host)(nil)

// PluginClient is the part of *hashiplug.Client the host uses.
type PluginClient interface {
	Client() (hashiplug.ClientProtocol, error)
	Kill()
}

// ClientFactory starts plugin executables.
type ClientFactory interface {
	NewClient(execPath string) PluginClient
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(execPath string) PluginClient

// NewClient calls f(execPath).
func (f ClientFactoryFunc) NewClient(execPath string) PluginClient { return f(execPath) }

// ExecFactory starts executables as go-plugin gRPC plugins.
var ExecFactory ClientFactory = ClientFactoryFunc(func(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  behaviorsdk.HandshakeConfig,
		Plugins:          behaviorsdk.PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- path comes from a validated manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
})

type running struct {
	client  PluginClient
	handler behaviorsdk.Handler
}

// Host manages behavior processes.
type Host struct {
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*running
	closed  bool
}

// Option configures a Host.
type Option func(*Host)

// WithClientFactory replaces how executables are started.
func WithClientFactory(f ClientFactory) Option {
	return func(h *Host) {
		h.factory = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates a process host.
func NewHost(opts ...Option) *Host {
	h := &Host{
		factory: ExecFactory,
		logger:  slog.Default(),
		plugins: make(map[string]*running),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load starts the plugin's executable and dispenses its behavior client.
func (h *Host) Load(_ context.Context, m *behavior.Manifest, dir string) error {
	if m.Process == nil {
		return oops.In("process").With("plugin", m.Name).Errorf("manifest has no process section")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return oops.Code(behavior.CodeHostClosed).In("process").With("plugin", m.Name).Wrap(behavior.ErrHostClosed)
	}
	if _, dup := h.plugins[m.Name]; dup {
		return oops.Code(behavior.CodeDuplicatePlugin).In("process").With("plugin", m.Name).Wrap(behavior.ErrDuplicatePlugin)
	}

	execPath := filepath.Join(dir, m.Process.Executable)
	if _, err := os.Stat(execPath); err != nil {
		return oops.In("process").With("plugin", m.Name).With("path", execPath).Hint("plugin executable not found").Wrap(err)
	}

	client := h.factory.NewClient(execPath)
	proto, err := client.Client()
	if err != nil {
		client.Kill()
		return oops.In("process").With("plugin", m.Name).Wrapf(err, "connect to plugin")
	}
	raw, err := proto.Dispense(behaviorsdk.PluginName)
	if err != nil {
		client.Kill()
		return oops.In("process").With("plugin", m.Name).Wrapf(err, "dispense plugin")
	}
	handler, ok := raw.(behaviorsdk.Handler)
	if !ok {
		client.Kill()
		return oops.In("process").With("plugin", m.Name).Errorf("dispensed %T does not handle events", raw)
	}

	h.plugins[m.Name] = &running{client: client, handler: handler}
	h.logger.Debug("started behavior process", "plugin", m.Name, "path", execPath)
	return nil
}

// Unload kills the plugin's process.
func (h *Host) Unload(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.plugins[name]
	if !ok {
		return oops.Code(behavior.CodeNotLoaded).In("process").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}
	p.client.Kill()
	delete(h.plugins, name)
	return nil
}

// Deliver sends ev to the plugin process. The lock is not held during the
// call; a concurrent Unload makes the call fail when the process dies.
func (h *Host) Deliver(ctx context.Context, name string, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
	h.mu.RLock()
	p, ok := h.plugins[name]
	h.mu.RUnlock()
	if !ok {
		return nil, oops.Code(behavior.CodeNotLoaded).In("process").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}

	emits, err := p.handler.HandleEvent(ctx, ev)
	if err != nil {
		return nil, oops.In("process").With("plugin", name).With("topic", ev.Topic).Wrap(err)
	}
	return emits, nil
}

// Plugins returns the running plugin names, sorted.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close kills every plugin process.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.plugins {
		p.client.Kill()
	}
	clear(h.plugins)
	h.closed = true
	return nil
}
