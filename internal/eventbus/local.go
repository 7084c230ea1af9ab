// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package eventbus provides the in-process and NATS transports for the event
// bus contract in pkg/eventbus.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// DefaultBufferSize is the per-subscription queue depth of the local bus.
const DefaultBufferSize = 1000

const transportLocal = "local"

// LocalOption configures a LocalBus.
type LocalOption func(*LocalBus)

// WithBufferSize sets the per-subscription queue depth.
func WithBufferSize(n int) LocalOption {
	return func(b *LocalBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(b *LocalBus) {
		b.logger = logger
	}
}

// WithMetrics records bus activity on m.
func WithMetrics(m *Metrics) LocalOption {
	return func(b *LocalBus) {
		b.metrics = m
	}
}

// LocalBus is an in-process bus. Every subscription owns a buffered queue and
// a goroutine; publishing fans a copy of the payload out to each matching
// subscription and waits for queue space rather than dropping.
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[ulid.ULID]*localSub
	closed     bool
	bufferSize int
	logger     *slog.Logger
	metrics    *Metrics
	wg         sync.WaitGroup
}

type localSub struct {
	*subscription
	matcher glob.Glob
	queue   chan eventbus.Message
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(opts ...LocalOption) *LocalBus {
	b := &LocalBus{
		subs:       make(map[ulid.ULID]*localSub),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers payload to every subscription whose pattern matches topic.
// It blocks while a matching subscription's queue is full, until ctx is done.
func (b *LocalBus) Publish(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() { b.metrics.publish(transportLocal, err) }()

	if err := eventbus.ValidatePublishTopic(topic); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return oops.Code(eventbus.CodeBusClosed).In("eventbus").With("topic", topic).Wrap(eventbus.ErrClosed)
	}
	var targets []*localSub
	for _, sub := range b.subs {
		if sub.matches(topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	// The lock is released before any send: a full queue stalls only this
	// publisher, never Subscribe or publishers on other topics.
	for _, sub := range targets {
		msg := eventbus.Message{Topic: topic, Payload: cloneBytes(payload)}
		select {
		case sub.queue <- msg:
			continue
		default:
		}
		select {
		case sub.queue <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return oops.Code(eventbus.CodePublishFailed).
				In("eventbus").
				With("topic", topic).
				With("subscription", sub.id.String()).
				Hint("subscriber queue full").
				Wrapf(eventbus.ErrPublish, "%v", ctx.Err())
		}
	}
	return nil
}

// Subscribe registers h for topic. Topic may use "*" and trailing ">"
// wildcards.
func (b *LocalBus) Subscribe(ctx context.Context, topic string, h eventbus.Handler) (eventbus.Subscription, error) {
	if err := eventbus.ValidateSubscribeTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, oops.Code(eventbus.CodeSubscribeFailed).
			In("eventbus").
			With("topic", topic).
			Wrapf(eventbus.ErrSubscribe, "nil handler")
	}

	matcher, err := compilePattern(topic)
	if err != nil {
		return nil, oops.Code(eventbus.CodeSubscribeFailed).
			In("eventbus").
			With("topic", topic).
			Wrapf(eventbus.ErrSubscribe, "%v", err)
	}

	sub := &localSub{
		subscription: newSubscription(ctx, topic, h),
		matcher:      matcher,
		queue:        make(chan eventbus.Message, b.bufferSize),
	}
	sub.release = func() error {
		b.remove(sub.id)
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.cancel()
		return nil, oops.Code(eventbus.CodeBusClosed).In("eventbus").With("topic", topic).Wrap(eventbus.ErrClosed)
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.subscribed(transportLocal, 1)
	go b.run(sub)

	return sub, nil
}

func (b *LocalBus) run(sub *localSub) {
	defer b.wg.Done()
	defer close(sub.done)
	defer b.metrics.subscribed(transportLocal, -1)

	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.queue:
			err := sub.dispatch(msg)
			b.metrics.deliver(transportLocal, err)
			if err != nil {
				logHandlerError(b.logger, sub.subscription, msg, err)
			}
		}
	}
}

func (b *LocalBus) remove(id ulid.ULID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Close ends every subscription and waits for their goroutines to exit.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*localSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[ulid.ULID]*localSub)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()
	return nil
}

func (s *localSub) matches(topic string) bool {
	if s.matcher == nil {
		return s.topic == topic
	}
	return s.matcher.Match(topic)
}

// compilePattern converts a subscription pattern into a glob, or returns nil
// for a concrete topic.
func compilePattern(topic string) (glob.Glob, error) {
	if !strings.ContainsAny(topic, "*>") {
		return nil, nil
	}
	tokens := strings.Split(topic, ".")
	for i, tok := range tokens {
		switch tok {
		case "*":
		case ">":
			tokens[i] = "**"
		default:
			tokens[i] = glob.QuoteMeta(tok)
		}
	}
	return glob.Compile(strings.Join(tokens, "."), '.')
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
