// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/oops"
)

// Pool runs calls for one module across up to size isolated instances.
// Instances that trap are dropped and replaced on demand.
type Pool struct {
	module *Module
	idle   chan *Instance
	slots  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of at most size instances of module. One instance
// is created eagerly so instantiation errors surface immediately.
func NewPool(ctx context.Context, module *Module, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		module: module,
		idle:   make(chan *Instance, size),
		slots:  make(chan struct{}, size),
	}

	inst, err := module.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	p.slots <- struct{}{}
	p.idle <- inst
	return p, nil
}

// Module returns the pooled module.
func (p *Pool) Module() *Module { return p.module }

// CallOnEvent runs ec on an idle instance, creating one if the pool has room.
// It waits for a free instance until ctx is done.
func (p *Pool) CallOnEvent(ctx context.Context, ec EventContext) error {
	inst, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	callErr := inst.CallOnEvent(ctx, ec)
	p.release(inst)
	return callErr
}

func (p *Pool) acquire(ctx context.Context) (*Instance, error) {
	if p.isClosed() {
		return nil, oops.Code(CodeRuntimeClosed).In("sandbox").With("module", p.module.name).Wrap(ErrClosed)
	}

	select {
	case inst := <-p.idle:
		return inst, nil
	default:
	}

	select {
	case inst := <-p.idle:
		return inst, nil
	case p.slots <- struct{}{}:
		inst, err := p.module.Instantiate(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return inst, nil
	case <-ctx.Done():
		return nil, oops.In("sandbox").With("module", p.module.name).Wrapf(ctx.Err(), "acquire instance")
	}
}

func (p *Pool) release(inst *Instance) {
	if inst.Discarded() {
		<-p.slots
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = inst.Close(context.Background())
		<-p.slots
		return
	}
	p.idle <- inst
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close releases idle instances. Calls in flight finish and then release
// their instance.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for {
		select {
		case inst := <-p.idle:
			if err := inst.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			<-p.slots
		default:
			return errors.Join(errs...)
		}
	}
}
