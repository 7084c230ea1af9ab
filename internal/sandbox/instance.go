// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const pageSize = 65536

// Module is a compiled, validated guest binary. It can be instantiated any
// number of times; instances never share memory.
type Module struct {
	name     string
	digest   string
	runtime  *Runtime
	compiled wazero.CompiledModule
}

// Name returns the name the module was compiled under.
func (m *Module) Name() string { return m.name }

// Digest returns the hex BLAKE3 digest of the module binary.
func (m *Module) Digest() string { return m.digest }

// Instantiate creates a fresh instance with its own linear memory. Imports
// that are not granted by the runtime fail here with INVALID_MODULE.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	mod, err := m.runtime.rt.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, oops.Code(CodeInvalidModule).
			In("sandbox").
			With("module", m.name).
			Hint("guests may only import granted env functions").
			Wrapf(ErrInvalidModule, "instantiate: %v", err)
	}

	inst := &Instance{
		module:  m,
		mod:     mod,
		onEvent: mod.ExportedFunction(ExportOnEvent),
		alloc:   mod.ExportedFunction(ExportAlloc),
		mem:     mod.ExportedMemory(ExportMemory),
	}
	if err := inst.reserve(withCaller(ctx, m.name), ContextSize); err != nil {
		_ = mod.Close(ctx)
		return nil, oops.Code(CodeInvalidModule).
			In("sandbox").
			With("module", m.name).
			Hint("export alloc(i32) -> i32 or leave guest memory room to grow").
			Wrapf(ErrInvalidModule, "reserve event buffer: %v", err)
	}
	return inst, nil
}

// Instance is one isolated guest. Calls on an instance are serialized; use a
// Pool to run several calls in parallel.
//
// An instance that traps is closed and stays discarded: every later call
// returns INSTANCE_DISCARDED. Load a fresh instance to continue.
type Instance struct {
	module  *Module
	mod     api.Module
	onEvent api.Function
	alloc   api.Function // nil when the host owns the event buffer
	mem     api.Memory

	mu        sync.Mutex
	base      uint32
	capacity  uint32
	memSize   uint32 // memory size after the last host grow
	discarded bool
}

// Name returns the module name.
func (i *Instance) Name() string { return i.module.name }

// Discarded reports whether the instance trapped or was closed.
func (i *Instance) Discarded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.discarded
}

// reserve makes room for n bytes of event data. A guest that exports alloc
// is asked for the buffer. Otherwise guest memory grows by enough whole pages
// and the new pages become the host's; the guest never owns them.
func (i *Instance) reserve(ctx context.Context, n uint32) error {
	if i.alloc != nil {
		return i.allocate(ctx, n)
	}
	pages := (uint64(n) + pageSize - 1) / pageSize
	prev, ok := i.mem.Grow(uint32(pages))
	if !ok {
		return oops.Code(CodePayloadTooLarge).
			In("sandbox").
			With("module", i.module.name).
			With("bytes", n).
			Wrapf(ErrPayloadTooLarge, "guest memory limit reached")
	}
	i.base = prev * pageSize
	i.capacity = uint32(pages * pageSize)
	i.memSize = i.mem.Size()
	return nil
}

func (i *Instance) allocate(ctx context.Context, n uint32) error {
	var (
		res []uint64
		err error
	)
	if rec := oops.Recover(func() {
		res, err = i.alloc.Call(ctx, uint64(n))
	}); rec != nil {
		err = rec
	}
	if err != nil {
		return oops.Code(CodeExecutionTrap).
			In("sandbox").
			With("module", i.module.name).
			With("bytes", n).
			Wrapf(ErrTrap, "alloc: %v", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 || uint64(ptr)+uint64(n) > uint64(i.mem.Size()) {
		return oops.Code(CodeExecutionTrap).
			In("sandbox").
			With("module", i.module.name).
			With("bytes", n).
			With("ptr", ptr).
			Wrapf(ErrTrap, "alloc returned a buffer outside guest memory")
	}
	i.base = ptr
	i.capacity = n
	return nil
}

// CallOnEvent copies ec into guest memory and invokes on_event with a pointer
// to it. The payload bytes are zeroed once the guest returns.
func (i *Instance) CallOnEvent(ctx context.Context, ec EventContext) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.discarded {
		return oops.Code(CodeInstanceDiscarded).
			In("sandbox").
			With("module", i.module.name).
			Wrap(ErrDiscarded)
	}

	cfg := &i.module.runtime.cfg
	ctx, span := cfg.tracer.Start(ctx, "sandbox.on_event", trace.WithAttributes(
		attribute.String("sandbox.module", i.module.name),
		attribute.Int64("sandbox.event_type", int64(ec.EventType)),
		attribute.Int("sandbox.payload_len", len(ec.Payload)),
	))
	defer span.End()

	f, err := layout(i.base, ec)
	if err == nil && f.size() > i.capacity {
		if err = i.reserve(withCaller(ctx, i.module.name), f.size()); err == nil {
			f, err = layout(i.base, ec)
		}
	}
	if err != nil {
		if errors.Is(err, ErrTrap) {
			i.discard()
			cfg.metrics.call(i.module.name, outcomeTrap, 0)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "layout")
		return err
	}

	i.mem.Write(f.ctxPtr, f.header[:])
	if len(f.payload) > 0 {
		i.mem.Write(f.payloadPtr, f.payload)
	}

	callCtx := withCaller(ctx, i.module.name)
	if cfg.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, cfg.callTimeout)
		defer cancel()
	}

	start := time.Now()
	var callErr error
	if rec := oops.Recover(func() {
		_, callErr = i.onEvent.Call(callCtx, uint64(f.ctxPtr))
	}); rec != nil {
		callErr = rec
	}
	elapsed := time.Since(start)

	if callErr != nil {
		i.discard()
		cfg.metrics.call(i.module.name, outcomeTrap, elapsed)
		timedOut := errors.Is(callErr, context.DeadlineExceeded)
		cfg.logger.Warn("sandbox guest trapped",
			"module", i.module.name,
			"event_type", ec.EventType,
			"timed_out", timedOut,
			"error", callErr,
		)
		err := oops.Code(CodeExecutionTrap).
			In("sandbox").
			With("module", i.module.name).
			With("event_type", ec.EventType).
			With("timed_out", timedOut).
			Wrapf(ErrTrap, "%v", callErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, "trap")
		return err
	}

	// Pages grown by the guest after the host's sit above the event buffer;
	// allocators that take memory.size as their heap end now cover it.
	if i.alloc == nil && i.mem.Size() != i.memSize {
		i.discard()
		cfg.metrics.call(i.module.name, outcomeTrap, elapsed)
		err := oops.Code(CodeExecutionTrap).
			In("sandbox").
			With("module", i.module.name).
			With("event_type", ec.EventType).
			Hint("export alloc(i32) -> i32 so the guest owns its event buffer").
			Wrapf(ErrTrap, "guest grew memory over the host event buffer")
		cfg.logger.Warn("sandbox guest grew memory", "module", i.module.name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "memory grown")
		return err
	}

	i.scrub(f)
	cfg.metrics.call(i.module.name, outcomeOK, elapsed)
	return nil
}

// scrub zeroes the context and payload so the next call starts clean.
func (i *Instance) scrub(f frame) {
	i.mem.Write(f.ctxPtr, make([]byte, f.size()))
}

func (i *Instance) discard() {
	i.discarded = true
	_ = i.mod.Close(context.Background())
}

// Close releases the instance. Closing a discarded instance is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.discarded {
		return nil
	}
	i.discarded = true
	if err := i.mod.Close(ctx); err != nil {
		return oops.In("sandbox").With("module", i.module.name).Wrapf(err, "close instance")
	}
	return nil
}
