// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package sandbox runs untrusted WebAssembly behavior modules.
//
// A module must export a function on_event(ctx_ptr i32) and its linear memory
// as "memory". The host writes a fixed-layout EventContext (see ContextSize)
// and the payload into an event buffer, calls on_event, then scrubs the
// payload.
//
// A module that exports alloc(size i32) i32 owns its event buffer: the host
// asks it for one at instantiation and again when a payload outgrows it.
// Without alloc the host grows memory by whole pages and owns those pages, so
// the guest must not grow memory afterwards; an instance that does is
// discarded. Guests get no WASI and no ambient capability: the
// only importable functions are the HostFunctions bound to the Runtime.
package sandbox

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Required guest exports.
const (
	ExportOnEvent = "on_event"
	ExportMemory  = "memory"
)

// ExportAlloc is the optional guest export that provides the event buffer.
const ExportAlloc = "alloc"

// HostModuleName is the import module capabilities are bound under.
const HostModuleName = "env"

// DefaultMemoryLimitPages caps guest memory at 16 MiB.
const DefaultMemoryLimitPages = 256

type runtimeConfig struct {
	memoryLimitPages uint32
	callTimeout      time.Duration
	functions        []HostFunction
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *Metrics
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithMemoryLimitPages caps each instance's linear memory, in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *runtimeConfig) {
		if pages > 0 {
			c.memoryLimitPages = pages
		}
	}
}

// WithCallTimeout bounds every CallOnEvent. Zero leaves calls bounded only by
// the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *runtimeConfig) {
		c.callTimeout = d
	}
}

// WithHostFunctions grants capabilities to every module loaded by the runtime.
func WithHostFunctions(fns ...HostFunction) Option {
	return func(c *runtimeConfig) {
		c.functions = append(c.functions, fns...)
	}
}

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runtimeConfig) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *runtimeConfig) {
		c.tracer = tracer
	}
}

// WithMetrics records call outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(c *runtimeConfig) {
		c.metrics = m
	}
}

// Runtime compiles and instantiates modules that share one capability set.
type Runtime struct {
	cfg runtimeConfig
	rt  wazero.Runtime

	mu      sync.Mutex
	code    map[string]wazero.CompiledModule
	modules map[moduleKey]*Module
	closed  bool
}

// moduleKey identifies a Module. Host functions see the module name, so the
// same bytes compiled under two names are two modules sharing one
// compilation.
type moduleKey struct {
	name   string
	digest string
}

// NewRuntime creates a runtime and binds the granted host functions.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg := runtimeConfig{
		memoryLimitPages: DefaultMemoryLimitPages,
		logger:           slog.Default(),
		tracer:           otel.Tracer("github.com/finalverse/finalverse/internal/sandbox"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.memoryLimitPages).
		WithCloseOnContextDone(true))

	if len(cfg.functions) > 0 {
		builder := rt.NewHostModuleBuilder(HostModuleName)
		seen := make(map[string]bool, len(cfg.functions))
		for _, fn := range cfg.functions {
			if seen[fn.Name] {
				_ = rt.Close(ctx)
				return nil, oops.In("sandbox").With("function", fn.Name).Errorf("host function bound twice")
			}
			seen[fn.Name] = true
			builder.NewFunctionBuilder().
				WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
				WithName(fn.Name).
				Export(fn.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, oops.In("sandbox").Wrapf(err, "bind host functions")
		}
	}

	return &Runtime{
		cfg:     cfg,
		rt:      rt,
		code:    make(map[string]wazero.CompiledModule),
		modules: make(map[moduleKey]*Module),
	}, nil
}

// Load reads, compiles and instantiates the module at path.
func (r *Runtime) Load(ctx context.Context, path string) (*Instance, error) {
	mod, err := r.CompileFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return mod.Instantiate(ctx)
}

// LoadBytes compiles and instantiates wasm under name.
func (r *Runtime) LoadBytes(ctx context.Context, name string, wasm []byte) (*Instance, error) {
	mod, err := r.Compile(ctx, name, wasm)
	if err != nil {
		return nil, err
	}
	return mod.Instantiate(ctx)
}

// CompileFile reads and compiles the module at path.
func (r *Runtime) CompileFile(ctx context.Context, path string) (*Module, error) {
	wasm, err := os.ReadFile(path) //nolint:gosec // module paths come from operator configuration
	if err != nil {
		return nil, oops.Code(CodeInvalidModule).
			In("sandbox").
			With("path", path).
			Wrapf(ErrInvalidModule, "read module: %v", err)
	}
	return r.Compile(ctx, filepath.Base(path), wasm)
}

// Compile validates and compiles wasm. Identical bytes compile once per
// runtime; a later call with the same name returns the cached Module, and a
// different name gets its own Module over the shared compilation.
func (r *Runtime) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	digest := Digest(wasm)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, oops.Code(CodeRuntimeClosed).In("sandbox").With("module", name).Wrap(ErrClosed)
	}
	key := moduleKey{name: name, digest: digest}
	if mod, ok := r.modules[key]; ok {
		return mod, nil
	}
	if compiled, ok := r.code[digest]; ok {
		mod := &Module{name: name, digest: digest, runtime: r, compiled: compiled}
		r.modules[key] = mod
		return mod, nil
	}

	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, oops.Code(CodeInvalidModule).
			In("sandbox").
			With("module", name).
			Wrapf(ErrInvalidModule, "compile: %v", err)
	}

	if err := checkExports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, oops.Code(CodeMissingRequiredExport).
			In("sandbox").
			With("module", name).
			Hint("export on_event(i32) and the module memory as \"memory\"").
			Wrapf(ErrMissingExport, "%v", err)
	}
	if err := checkAlloc(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, oops.Code(CodeInvalidModule).
			In("sandbox").
			With("module", name).
			Wrapf(ErrInvalidModule, "%v", err)
	}

	mod := &Module{
		name:     name,
		digest:   digest,
		runtime:  r,
		compiled: compiled,
	}
	r.code[digest] = compiled
	r.modules[key] = mod
	r.cfg.logger.Debug("compiled sandbox module", "module", name, "digest", digest)
	return mod, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	fn, ok := compiled.ExportedFunctions()[ExportOnEvent]
	if !ok {
		return oops.Errorf("no %q function export", ExportOnEvent)
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 1 || params[0] != api.ValueTypeI32 || len(results) != 0 {
		return oops.Errorf("%q must have signature (i32) -> ()", ExportOnEvent)
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return oops.Errorf("no %q memory export", ExportMemory)
	}
	return nil
}

func checkAlloc(compiled wazero.CompiledModule) error {
	fn, ok := compiled.ExportedFunctions()[ExportAlloc]
	if !ok {
		return nil
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 1 || params[0] != api.ValueTypeI32 || len(results) != 1 || results[0] != api.ValueTypeI32 {
		return oops.Errorf("%q must have signature (i32) -> i32", ExportAlloc)
	}
	return nil
}

// Close releases every module and instance created by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.code = nil
	r.modules = nil
	if err := r.rt.Close(ctx); err != nil {
		return oops.In("sandbox").Wrapf(err, "close runtime")
	}
	return nil
}

// Digest returns the hex BLAKE3 digest of a module binary.
func Digest(wasm []byte) string {
	sum := blake3.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}
