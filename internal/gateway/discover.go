// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/internal/service"
	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/errutil"
)

// Artifact kinds recognized in a discovery directory.
const (
	ArtifactNative   = "native"
	ArtifactManifest = "manifest"
)

// Artifact is one discovered file.
type Artifact struct {
	Path string
	Kind string
}

// Failure records an artifact that could not be loaded.
type Failure struct {
	Artifact Artifact
	Err      error
}

// LoadedPlugin is a connection plugin ready to be bound. Its path is fixed
// at load time.
type LoadedPlugin struct {
	name     string
	path     string
	artifact Artifact
	plugin   connplugin.Plugin
}

// NewLoadedPlugin wraps a plugin constructed in-process. An empty path uses
// the plugin's own.
func NewLoadedPlugin(p connplugin.Plugin, path string) (*LoadedPlugin, error) {
	if path == "" {
		path = p.Path()
	}
	if err := validatePath(path); err != nil {
		return nil, oops.Code(CodeInvalidPath).
			In("gateway").
			With("plugin", p.Name()).
			With("path", path).
			Wrapf(ErrInvalidPath, "%v", err)
	}
	return &LoadedPlugin{name: p.Name(), path: path, plugin: p}, nil
}

// Name returns the plugin name.
func (p *LoadedPlugin) Name() string { return p.name }

// RegisterWSPath returns the path the plugin is bound to.
func (p *LoadedPlugin) RegisterWSPath() string { return p.path }

// Artifact returns the file the plugin was loaded from.
func (p *LoadedPlugin) Artifact() Artifact { return p.artifact }

// Take returns a fresh handler for one connection.
func (p *LoadedPlugin) Take() connplugin.Handler { return p.plugin.NewHandler() }

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return oops.Errorf("path must start with /")
	}
	if strings.IndexFunc(path, unicode.IsSpace) >= 0 {
		return oops.Errorf("path must not contain whitespace")
	}
	return nil
}

// Discoverer loads connection plugins from a directory.
type Discoverer struct {
	opener  service.Opener
	runtime *sandbox.Runtime
	env     connplugin.Env
	logger  *slog.Logger

	mu       sync.Mutex
	failures []Failure
}

// DiscoverOption configures a Discoverer.
type DiscoverOption func(*Discoverer)

// WithOpener replaces the native artifact opener.
func WithOpener(o service.Opener) DiscoverOption {
	return func(d *Discoverer) {
		d.opener = o
	}
}

// WithSandbox enables wasm manifests, compiled on rt.
func WithSandbox(rt *sandbox.Runtime) DiscoverOption {
	return func(d *Discoverer) {
		d.runtime = rt
	}
}

// WithEnv sets what Configurable plugins receive. Manifest config is merged
// into a copy per plugin.
func WithEnv(env connplugin.Env) DiscoverOption {
	return func(d *Discoverer) {
		d.env = env
	}
}

// WithDiscoverLogger sets the logger.
func WithDiscoverLogger(logger *slog.Logger) DiscoverOption {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// NewDiscoverer creates a discoverer using the Go plugin opener.
func NewDiscoverer(opts ...DiscoverOption) *Discoverer {
	d := &Discoverer{
		opener: service.GoPluginOpener,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.env.Logger == nil {
		d.env.Logger = d.logger
	}
	return d
}

// Discover scans dir, not recursively, and yields each plugin as it loads.
// Artifacts that fail are logged, recorded in Failures and skipped. Files
// that are neither native artifacts nor manifests are ignored.
func (d *Discoverer) Discover(ctx context.Context, dir string) iter.Seq[*LoadedPlugin] {
	return func(yield func(*LoadedPlugin) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				d.fail(Artifact{Path: dir}, oops.Code(CodeArtifactUnreadable).
					In("gateway").
					With("dir", dir).
					Wrapf(ErrArtifactUnreadable, "%v", err))
			}
			return
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if entry.IsDir() {
				continue
			}

			a := Artifact{Path: filepath.Join(dir, entry.Name())}
			var p *LoadedPlugin
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case service.NativeExt:
				a.Kind = ArtifactNative
				p, err = d.loadNative(a)
			case ".yaml", ".yml":
				a.Kind = ArtifactManifest
				p, err = d.loadManifest(ctx, a)
			default:
				continue
			}
			if err != nil {
				d.fail(a, err)
				continue
			}

			p.artifact = a
			d.logger.Info("discovered connection plugin", "plugin", p.name, "path", p.path, "artifact", a.Path)
			if !yield(p) {
				return
			}
		}
	}
}

// Failures returns the failures recorded so far.
func (d *Discoverer) Failures() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Failure(nil), d.failures...)
}

func (d *Discoverer) fail(a Artifact, err error) {
	errutil.LogWarn(d.logger, "skipping connection plugin", err)
	d.mu.Lock()
	d.failures = append(d.failures, Failure{Artifact: a, Err: err})
	d.mu.Unlock()
}

func (d *Discoverer) loadNative(a Artifact) (*LoadedPlugin, error) {
	syms, err := d.opener.Open(a.Path)
	if err != nil {
		return nil, oops.Code(CodeArtifactUnreadable).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrArtifactUnreadable, "%v", err)
	}
	sym, err := syms.Lookup(connplugin.EntrySymbol)
	if err != nil {
		return nil, oops.Code(CodeEntrySymbolMissing).
			In("gateway").
			With("artifact", a.Path).
			With("symbol", connplugin.EntrySymbol).
			Wrapf(ErrEntrySymbolMissing, "%v", err)
	}

	var entry connplugin.Entry
	switch e := sym.(type) {
	case func() connplugin.Plugin:
		entry = e
	case connplugin.Entry:
		entry = e
	case *connplugin.Entry:
		if e != nil {
			entry = *e
		}
	case *func() connplugin.Plugin:
		if e != nil {
			entry = *e
		}
	}
	if entry == nil {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Hint("export func FinalverseWSPlugin() connplugin.Plugin").
			Wrapf(ErrABIMismatch, "entry symbol has type %T", sym)
	}
	return d.construct(a, entry, "", nil)
}

func (d *Discoverer) loadManifest(ctx context.Context, a Artifact) (*LoadedPlugin, error) {
	data, err := os.ReadFile(a.Path) //nolint:gosec // path comes from ReadDir of the configured plugin dir
	if err != nil {
		return nil, oops.Code(CodeArtifactUnreadable).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrArtifactUnreadable, "%v", err)
	}

	var m Manifest
	if err := ManifestSchema.Decode(data, &m); err != nil {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrABIMismatch, "%v", err)
	}

	switch m.Kind {
	case KindBuiltin:
		entry, ok := connplugin.Lookup(m.Builtin)
		if !ok {
			return nil, oops.Code(CodeEntrySymbolMissing).
				In("gateway").
				With("artifact", a.Path).
				With("builtin", m.Builtin).
				Wrapf(ErrEntrySymbolMissing, "no builtin connection plugin %q", m.Builtin)
		}
		return d.construct(a, entry, m.Path, m.Config)
	case KindWasm:
		return d.loadWasm(ctx, a, m)
	default:
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrABIMismatch, "unknown kind %q", m.Kind)
	}
}

func (d *Discoverer) loadWasm(ctx context.Context, a Artifact, m Manifest) (*LoadedPlugin, error) {
	if d.runtime == nil {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Hint("start the gateway with a sandbox runtime").
			Wrapf(ErrABIMismatch, "wasm plugins are disabled")
	}
	if m.Path == "" || m.Module == "" {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrABIMismatch, "wasm manifests need path and module")
	}

	modPath := m.Module
	if !filepath.IsAbs(modPath) {
		modPath = filepath.Join(filepath.Dir(a.Path), modPath)
	}
	wasm, err := os.ReadFile(modPath) //nolint:gosec // module path comes from an operator manifest
	if err != nil {
		return nil, oops.Code(CodeArtifactUnreadable).
			In("gateway").
			With("artifact", a.Path).
			With("module", modPath).
			Wrapf(ErrArtifactUnreadable, "%v", err)
	}
	// The module is named after the plugin so reply topics can be
	// authorized per plugin.
	mod, err := d.runtime.Compile(ctx, m.Name, wasm)
	if err != nil {
		return nil, oops.Code(CodeArtifactUnreadable).
			In("gateway").
			With("artifact", a.Path).
			With("module", modPath).
			Wrapf(ErrArtifactUnreadable, "%v", err)
	}

	p := newWasmPlugin(m.Name, m.Path, mod, d.env.Bus, d.logger)
	return NewLoadedPlugin(p, m.Path)
}

// construct calls entry, configures the plugin and fixes its path.
func (d *Discoverer) construct(a Artifact, entry connplugin.Entry, path string, config map[string]any) (*LoadedPlugin, error) {
	var p connplugin.Plugin
	if rec := oops.Recover(func() { p = entry() }); rec != nil {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrABIMismatch, "entry panicked: %v", rec)
	}
	if p == nil {
		return nil, oops.Code(CodeABIMismatch).
			In("gateway").
			With("artifact", a.Path).
			Wrapf(ErrABIMismatch, "entry returned nil")
	}

	if c, ok := p.(connplugin.Configurable); ok {
		env := d.env
		env.Config = config
		env.Logger = d.logger.With("plugin", p.Name())
		if err := c.Configure(env); err != nil {
			return nil, oops.Code(CodeABIMismatch).
				In("gateway").
				With("artifact", a.Path).
				With("plugin", p.Name()).
				Wrapf(ErrABIMismatch, "configure: %v", err)
		}
	}

	loaded, err := NewLoadedPlugin(p, path)
	if err != nil {
		return nil, oops.With("artifact", a.Path).Wrap(err)
	}
	return loaded, nil
}
