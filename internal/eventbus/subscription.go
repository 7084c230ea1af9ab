// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/errutil"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// subscription is the transport-independent half of a subscription: identity,
// lifetime and handler dispatch.
type subscription struct {
	id      ulid.ULID
	topic   string
	handler eventbus.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	once    sync.Once
	release func() error
}

// newSubscription derives the subscription context from ctx without its
// cancellation, so the subscription outlives the Subscribe call while
// keeping request-scoped values such as trace context.
func newSubscription(ctx context.Context, topic string, h eventbus.Handler) *subscription {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &subscription{
		id:      eventbus.NewID(),
		topic:   topic,
		handler: h,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *subscription) ID() ulid.ULID         { return s.id }
func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe cancels the subscription context and releases transport
// resources once.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

// dispatch invokes the handler, converting a panic into an error.
func (s *subscription) dispatch(msg eventbus.Message) error {
	var handlerErr error
	recovered := oops.In("eventbus").
		With("topic", msg.Topic).
		With("subscription", s.id.String()).
		Recover(func() {
			handlerErr = s.handler.HandleMessage(s.ctx, msg)
		})
	if recovered != nil {
		return recovered
	}
	return handlerErr
}

func logHandlerError(logger *slog.Logger, s *subscription, msg eventbus.Message, err error) {
	errutil.LogError(logger.With(
		"topic", msg.Topic,
		"subscription", s.id.String(),
	), "event handler failed", err)
}
