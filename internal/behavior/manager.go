// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package behavior

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/finalverse/finalverse/internal/behavior/capability"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// DefaultDeliveryTimeout bounds one delivery to one plugin.
const DefaultDeliveryTimeout = 5 * time.Second

// Plugin is a discovered plugin directory.
type Plugin struct {
	Manifest *Manifest
	Dir      string

	host Host
	subs []eventbus.Subscription
}

// Manager discovers behavior plugins, loads them into their hosts and
// connects them to the bus.
type Manager struct {
	dir      string
	hosts    map[Type]Host
	bus      eventbus.Bus
	enforcer *capability.Enforcer
	logger   *slog.Logger
	timeout  time.Duration
	retries  uint64
	backoff  time.Duration

	mu      sync.RWMutex
	loaded  map[string]*Plugin
	started bool
	closed  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHost runs plugins of type t on h.
func WithHost(t Type, h Host) ManagerOption {
	return func(m *Manager) {
		m.hosts[t] = h
	}
}

// WithBus sets the bus plugins are subscribed on and publish to.
func WithBus(bus eventbus.Bus) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithEnforcer sets the capability enforcer. Grants from each manifest are
// installed on load and removed on unload.
func WithEnforcer(e *capability.Enforcer) ManagerOption {
	return func(m *Manager) {
		m.enforcer = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDeliveryTimeout bounds each delivery.
func WithDeliveryTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithReloadRetries sets how often Reload retries a failed load, waiting
// backoff between attempts.
func WithReloadRetries(retries uint64, backoff time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retries = retries
		m.backoff = backoff
	}
}

// NewManager creates a manager for the plugin directories under dir.
func NewManager(dir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		dir:      dir,
		hosts:    make(map[Type]Host),
		enforcer: capability.NewEnforcer(),
		logger:   slog.Default(),
		timeout:  DefaultDeliveryTimeout,
		retries:  3,
		backoff:  250 * time.Millisecond,
		loaded:   make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enforcer returns the enforcer holding plugin grants.
func (m *Manager) Enforcer() *capability.Enforcer { return m.enforcer }

// Discover reads every subdirectory holding a plugin.yaml. Directories
// without a manifest or with an invalid one are logged and skipped. A
// missing plugins directory yields no plugins.
func (m *Manager) Discover(_ context.Context) ([]*Plugin, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("behavior").With("dir", m.dir).Wrapf(err, "read plugins directory")
	}

	var plugins []*Plugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.dir, entry.Name())
		man, err := readManifest(dir)
		if err != nil {
			errutil.LogWarn(m.logger.With("dir", entry.Name()), "skipping behavior plugin", err)
			continue
		}
		plugins = append(plugins, &Plugin{Manifest: man, Dir: dir})
	}
	return plugins, nil
}

func readManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from ReadDir entries
	if err != nil {
		return nil, oops.In("behavior").With("path", path).Wrapf(err, "read manifest")
	}
	return ParseManifest(data)
}

// LoadAll discovers and loads every plugin. A plugin that fails to load is
// logged and skipped; only an unreadable plugins directory is an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	plugins, err := m.Discover(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if err := m.Load(ctx, p); err != nil {
			errutil.LogError(m.logger, "failed to load behavior plugin", err)
		}
	}
	return nil
}

// Load loads p into the host for its type. If the manager has started, p is
// subscribed immediately.
func (m *Manager) Load(ctx context.Context, p *Plugin) error {
	name := p.Manifest.Name

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return oops.Code(CodeHostClosed).In("behavior").With("plugin", name).Wrap(ErrHostClosed)
	}
	if _, dup := m.loaded[name]; dup {
		return oops.Code(CodeDuplicatePlugin).
			In("behavior").
			With("plugin", name).
			With("dir", p.Dir).
			Wrap(ErrDuplicatePlugin)
	}
	host, ok := m.hosts[p.Manifest.Type]
	if !ok {
		return oops.Code(CodeNoHost).
			In("behavior").
			With("plugin", name).
			With("type", string(p.Manifest.Type)).
			Wrap(ErrNoHost)
	}

	if err := m.enforcer.Grant(name, p.Manifest.Capabilities); err != nil {
		return err
	}
	if err := host.Load(ctx, p.Manifest, p.Dir); err != nil {
		m.enforcer.Revoke(name)
		return oops.Code(CodeLoadFailed).
			In("behavior").
			With("plugin", name).
			With("type", string(p.Manifest.Type)).
			Wrapf(ErrLoadFailed, "%v", err)
	}
	p.host = host

	if m.started {
		if err := m.subscribe(ctx, p); err != nil {
			_ = host.Unload(ctx, name)
			m.enforcer.Revoke(name)
			return err
		}
	}
	m.loaded[name] = p

	m.logger.Info("loaded behavior plugin",
		"plugin", name,
		"type", p.Manifest.Type,
		"version", p.Manifest.Version)
	return nil
}

// Start subscribes every loaded plugin to its topics. Plugins loaded later
// are subscribed as they load.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bus == nil {
		return oops.In("behavior").Errorf("no event bus configured")
	}
	if m.started {
		return nil
	}
	for _, name := range m.sortedNames() {
		if err := m.subscribe(ctx, m.loaded[name]); err != nil {
			return err
		}
	}
	m.started = true
	return nil
}

// subscribe attaches p to each of its topics. On failure the subscriptions
// made so far are removed. Callers hold m.mu.
func (m *Manager) subscribe(ctx context.Context, p *Plugin) error {
	h := m.handler(p)
	for _, topic := range p.Manifest.Topics {
		sub, err := m.bus.Subscribe(ctx, topic, h)
		if err != nil {
			unsubscribeAll(p)
			return oops.In("behavior").
				With("plugin", p.Manifest.Name).
				With("topic", topic).
				Wrap(err)
		}
		p.subs = append(p.subs, sub)
	}
	return nil
}

func unsubscribeAll(p *Plugin) {
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.subs = nil
}

// Unload unsubscribes and unloads the named plugin.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unload(ctx, name)
}

func (m *Manager) unload(ctx context.Context, name string) error {
	p, ok := m.loaded[name]
	if !ok {
		return oops.Code(CodeNotLoaded).In("behavior").With("plugin", name).Wrap(ErrNotLoaded)
	}
	unsubscribeAll(p)
	delete(m.loaded, name)
	m.enforcer.Revoke(name)
	if err := p.host.Unload(ctx, name); err != nil {
		return oops.In("behavior").With("plugin", name).Wrapf(err, "unload")
	}
	m.logger.Info("unloaded behavior plugin", "plugin", name)
	return nil
}

// Reload re-reads the plugin's manifest from its directory and loads it
// again, retrying failed loads.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return oops.Code(CodeNotLoaded).In("behavior").With("plugin", name).Wrap(ErrNotLoaded)
	}

	man, err := readManifest(p.Dir)
	if err != nil {
		return err
	}
	if man.Name != name {
		return oops.In("behavior").
			With("plugin", name).
			With("manifest_name", man.Name).
			Errorf("plugin renamed on disk; unload it and load the new one")
	}
	if err := m.Unload(ctx, name); err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(m.retries, retry.NewConstant(m.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := m.Load(ctx, &Plugin{Manifest: man, Dir: p.Dir})
		if errors.Is(err, ErrLoadFailed) {
			m.logger.Debug("behavior reload attempt failed", "plugin", name, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Dispatch delivers ev to the named plugin and publishes what it emits.
// Emits to topics the plugin holds no publish grant for are dropped.
func (m *Manager) Dispatch(ctx context.Context, name string, ev behaviorsdk.Event) error {
	m.mu.RLock()
	p, ok := m.loaded[name]
	m.mu.RUnlock()
	if !ok {
		return oops.Code(CodeNotLoaded).In("behavior").With("plugin", name).Wrap(ErrNotLoaded)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	emits, err := p.host.Deliver(ctx, name, ev)
	if err != nil {
		return oops.Code(CodeDeliveryFailed).
			In("behavior").
			With("plugin", name).
			With("topic", ev.Topic).
			With("event_id", ev.ID).
			Wrapf(errors.Join(ErrDeliveryFailed, err), "deliver")
	}

	var errs []error
	for _, emit := range emits {
		if !m.enforcer.CanPublish(ctx, name, emit.Topic) {
			m.logger.Warn("behavior emit denied", "plugin", name, "topic", emit.Topic)
			continue
		}
		if m.bus == nil {
			continue
		}
		if err := m.bus.Publish(ctx, emit.Topic, emit.Payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handler adapts p to the bus. Delivery runs on the subscription goroutine,
// so a plugin sees the messages of one topic in publish order.
func (m *Manager) handler(p *Plugin) eventbus.Handler {
	name := p.Manifest.Name
	envelope := p.Manifest.Envelope
	return eventbus.HandlerFunc(func(ctx context.Context, msg eventbus.Message) error {
		ev, err := decodeEvent(envelope, msg)
		if err != nil {
			errutil.LogWarn(m.logger.With("plugin", name), "dropping undecodable event", err)
			return nil
		}
		err = m.Dispatch(ctx, name, ev)
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("behavior event delivery timed out",
				"plugin", name,
				"topic", msg.Topic,
				"event_id", ev.ID,
				"timeout", m.timeout)
		case errors.Is(err, context.Canceled):
			m.logger.Debug("behavior event delivery canceled", "plugin", name, "topic", msg.Topic)
		default:
			errutil.LogError(m.logger, "behavior event delivery failed", err)
		}
		return nil
	})
}

// Plugins returns the loaded plugin names, sorted.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNames()
}

// Plugin returns the named loaded plugin.
func (m *Manager) Plugin(name string) (*Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.loaded[name]
	return p, ok
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close unsubscribes every plugin and closes every host.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for name, p := range m.loaded {
		unsubscribeAll(p)
		m.enforcer.Revoke(name)
	}
	clear(m.loaded)

	var errs []error
	for t, h := range m.hosts {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, oops.In("behavior").With("type", string(t)).Wrapf(err, "close host"))
		}
	}
	return errors.Join(errs...)
}
