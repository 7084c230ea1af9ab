// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

const transportNATS = "nats"

// Default NATS connection settings.
const (
	DefaultConnectRetries = 5
	DefaultConnectBackoff = 200 * time.Millisecond
	natsPendingMsgs       = 1000
)

// NATSConfig configures a NATSBus.
type NATSConfig struct {
	URL            string
	Name           string
	ConnectRetries uint64
	ConnectBackoff time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

// NATSBus publishes and subscribes through a NATS server. NATS subjects use
// the same token and wildcard syntax as bus topics.
//
// The connection is guarded by an RWMutex: Publish and Subscribe share the
// read lock, Reconnect takes the write lock to swap the connection.
type NATSBus struct {
	cfg     NATSConfig
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	conn   *nats.Conn
	closed bool

	subsMu sync.Mutex
	subs   map[ulid.ULID]*natsSub
	wg     sync.WaitGroup
}

type natsSub struct {
	*subscription
	msgs chan *nats.Msg

	mu  sync.Mutex
	sub *nats.Subscription
	// lost is closed when the transport drops this subscription.
	lost     chan struct{}
	lostOnce sync.Once
}

// NewNATSBus connects to cfg.URL, retrying with exponential backoff.
func NewNATSBus(ctx context.Context, cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "finalverse"
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &NATSBus{
		cfg:     cfg,
		logger:  logger.With("transport", transportNATS),
		metrics: cfg.Metrics,
		subs:    make(map[ulid.ULID]*natsSub),
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) connect(ctx context.Context) (*nats.Conn, error) {
	backoff := retry.WithMaxRetries(b.cfg.ConnectRetries, retry.NewExponential(b.cfg.ConnectBackoff))

	conn, err := retry.DoValue(ctx, backoff, func(_ context.Context) (*nats.Conn, error) {
		conn, err := nats.Connect(b.cfg.URL,
			nats.Name(b.cfg.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					b.logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				b.logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
			nats.ErrorHandler(b.asyncError),
		)
		if err != nil {
			b.logger.Debug("nats connect attempt failed", "url", b.cfg.URL, "error", err)
			return nil, retry.RetryableError(err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, oops.Code(eventbus.CodeConnectFailed).
			In("eventbus").
			With("url", b.cfg.URL).
			Hint("is the NATS server reachable?").
			Wrapf(err, "connect to nats")
	}
	return conn, nil
}

// asyncError handles errors NATS reports outside any call. A subscription
// the server or client has invalidated ends; others are logged.
func (b *NATSBus) asyncError(_ *nats.Conn, s *nats.Subscription, err error) {
	if s == nil {
		b.logger.Warn("nats async error", "error", err)
		return
	}
	b.logger.Warn("nats subscription error", "subject", s.Subject, "error", err)
	if s.IsValid() {
		return
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, sub := range b.subs {
		if sub.current() == s {
			sub.markLost()
		}
	}
}

// Publish sends payload on topic and flushes so that a transport failure is
// reported to the caller.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() { b.metrics.publish(transportNATS, err) }()

	if err := eventbus.ValidatePublishTopic(topic); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return oops.Code(eventbus.CodeBusClosed).In("eventbus").With("topic", topic).Wrap(eventbus.ErrClosed)
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return publishFailed(topic, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return publishFailed(topic, err)
	}
	return nil
}

func publishFailed(topic string, err error) error {
	return oops.Code(eventbus.CodePublishFailed).
		In("eventbus").
		With("topic", topic).
		With("transport", transportNATS).
		Wrapf(eventbus.ErrPublish, "%v", err)
}

// Subscribe creates a NATS subscription for topic and returns once the server
// has acknowledged it.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, h eventbus.Handler) (eventbus.Subscription, error) {
	if err := eventbus.ValidateSubscribeTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, subscribeFailed(topic, "nil handler")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, oops.Code(eventbus.CodeBusClosed).In("eventbus").With("topic", topic).Wrap(eventbus.ErrClosed)
	}

	sub := &natsSub{
		subscription: newSubscription(ctx, topic, h),
		msgs:         make(chan *nats.Msg, natsPendingMsgs),
		lost:         make(chan struct{}),
	}
	if err := sub.attach(ctx, b.conn); err != nil {
		sub.cancel()
		return nil, subscribeFailed(topic, err.Error())
	}
	sub.release = func() error {
		b.forget(sub.id)
		return sub.detach()
	}

	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.subsMu.Unlock()

	b.metrics.subscribed(transportNATS, 1)
	go b.run(sub)

	return sub, nil
}

func subscribeFailed(topic, reason string) error {
	return oops.Code(eventbus.CodeSubscribeFailed).
		In("eventbus").
		With("topic", topic).
		With("transport", transportNATS).
		Wrapf(eventbus.ErrSubscribe, "%s", reason)
}

func (b *NATSBus) run(sub *natsSub) {
	defer b.wg.Done()
	defer close(sub.done)
	defer b.metrics.subscribed(transportNATS, -1)

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.lost:
			b.logger.Warn("subscription ended by transport",
				"topic", sub.topic,
				"subscription", sub.id.String(),
			)
			b.forget(sub.id)
			return
		case m := <-sub.msgs:
			msg := eventbus.Message{Topic: m.Subject, Payload: m.Data}
			err := sub.dispatch(msg)
			b.metrics.deliver(transportNATS, err)
			if err != nil {
				logHandlerError(b.logger, sub.subscription, msg, err)
			}
		}
	}
}

func (b *NATSBus) forget(id ulid.ULID) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	delete(b.subs, id)
}

// Reconnect replaces the underlying connection and moves every live
// subscription onto it. Publishers and subscribers wait for the swap.
func (b *NATSBus) Reconnect(ctx context.Context) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		conn.Close()
		return oops.Code(eventbus.CodeBusClosed).In("eventbus").Wrap(eventbus.ErrClosed)
	}

	old := b.conn
	b.conn = conn

	b.subsMu.Lock()
	for _, sub := range b.subs {
		if err := sub.detach(); err != nil {
			b.logger.Debug("unsubscribe from old connection failed", "topic", sub.topic, "error", err)
		}
		if err := sub.attach(ctx, conn); err != nil {
			b.logger.Warn("resubscribe failed", "topic", sub.topic, "error", err)
			sub.markLost()
		}
	}
	b.subsMu.Unlock()

	if err := old.Drain(); err != nil {
		old.Close()
	}
	return nil
}

// Close unsubscribes everything, drains the connection and waits for
// subscription goroutines to exit.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	b.subsMu.Lock()
	subs := make([]*natsSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()

	if err := conn.Drain(); err != nil {
		conn.Close()
		return oops.In("eventbus").With("transport", transportNATS).Wrapf(err, "drain connection")
	}
	return nil
}

func (s *natsSub) attach(ctx context.Context, conn *nats.Conn) error {
	ns, err := conn.ChanSubscribe(s.topic, s.msgs)
	if err != nil {
		return err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return err
	}
	s.mu.Lock()
	s.sub = ns
	s.mu.Unlock()
	return nil
}

func (s *natsSub) detach() error {
	s.mu.Lock()
	ns := s.sub
	s.sub = nil
	s.mu.Unlock()
	if ns == nil || !ns.IsValid() {
		return nil
	}
	return ns.Unsubscribe()
}

func (s *natsSub) current() *nats.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *natsSub) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}
