// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package eventbus defines the topic-based publish/subscribe contract shared by
// the host, service plugins and connection plugins.
//
// Payloads are opaque byte sequences. The bus imposes no envelope; the Event
// type in this package is an optional helper for components that want one.
package eventbus

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Error codes returned by bus implementations.
const (
	CodePublishFailed   = "PUBLISH_FAILED"
	CodeSubscribeFailed = "SUBSCRIBE_FAILED"
	CodeInvalidTopic    = "INVALID_TOPIC"
	CodeBusClosed       = "BUS_CLOSED"
	CodeConnectFailed   = "CONNECT_FAILED"
)

// Sentinel errors. Bus errors wrap one of these so callers can use errors.Is.
var (
	ErrPublish      = errors.New("publish failed")
	ErrSubscribe    = errors.New("subscribe failed")
	ErrInvalidTopic = errors.New("invalid topic")
	ErrClosed       = errors.New("bus closed")
)

// Message is one delivery on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes messages delivered to a subscription. HandleMessage is
// called from the subscription's own goroutine, one message at a time.
// A returned error is logged; it does not end the subscription.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message) error

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Subscription is an established subscription.
type Subscription interface {
	ID() ulid.ULID
	Topic() string
	// Unsubscribe stops delivery. It is safe to call more than once and from
	// within the subscription's own handler.
	Unsubscribe() error
	// Done is closed once the subscription goroutine has exited, whether
	// through Unsubscribe, bus shutdown or a transport failure.
	Done() <-chan struct{}
}

// Publisher publishes opaque payloads.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber registers handlers for a topic pattern.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// Bus is a transport-agnostic publish/subscribe client.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// ValidatePublishTopic checks a concrete topic a message may be published to.
func ValidatePublishTopic(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "*>") {
		return invalidTopic(topic, "wildcards are only valid when subscribing")
	}
	return nil
}

// ValidateSubscribeTopic checks a subscription pattern. A "*" token matches
// exactly one token and a trailing ">" matches one or more tokens.
func ValidateSubscribeTopic(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	tokens := strings.Split(topic, ".")
	for i, tok := range tokens {
		switch {
		case tok == ">":
			if i != len(tokens)-1 {
				return invalidTopic(topic, "'>' must be the last token")
			}
		case tok == "*":
		case strings.ContainsAny(tok, "*>"):
			return invalidTopic(topic, "wildcards must occupy a whole token")
		}
	}
	return nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return invalidTopic(topic, "topic is empty")
	}
	if !utf8.ValidString(topic) {
		return invalidTopic(topic, "topic is not valid UTF-8")
	}
	if strings.IndexFunc(topic, unicode.IsSpace) >= 0 {
		return invalidTopic(topic, "topic contains whitespace")
	}
	for _, tok := range strings.Split(topic, ".") {
		if tok == "" {
			return invalidTopic(topic, "topic contains an empty token")
		}
	}
	return nil
}

func invalidTopic(topic, reason string) error {
	return oops.Code(CodeInvalidTopic).
		In("eventbus").
		With("topic", topic).
		Hint(reason).
		Wrapf(ErrInvalidTopic, "%s", reason)
}
