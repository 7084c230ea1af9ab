// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Category groups game events. An event's topic is derived from its category.
type Category string

// Event categories.
const (
	CategoryPlayer  Category = "player"
	CategoryWorld   Category = "world"
	CategoryHarmony Category = "harmony"
	CategorySong    Category = "song"
	CategoryEcho    Category = "echo"
	CategorySilence Category = "silence"
	CategorySystem  Category = "system"
)

// TopicPrefix is prepended to a category to form its topic.
const TopicPrefix = "events."

// Topic returns the bus topic events of this category are published on.
func (c Category) Topic() string {
	return TopicPrefix + string(c)
}

// Metadata carries routing and tracing information alongside an event.
type Metadata struct {
	Source        string   `json:"source" cbor:"source"`
	CorrelationID string   `json:"correlation_id,omitempty" cbor:"correlation_id,omitempty"`
	CausationID   string   `json:"causation_id,omitempty" cbor:"causation_id,omitempty"`
	Tags          []string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

// Event is an optional envelope for game events. EntityID and Type map onto
// the entity_id and event_type fields a sandboxed behavior receives; Data is
// the payload it sees.
type Event struct {
	ID        ulid.ULID `json:"id" cbor:"id"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Category  Category  `json:"category" cbor:"category"`
	Type      uint32    `json:"type" cbor:"type"`
	EntityID  uint64    `json:"entity_id" cbor:"entity_id"`
	Metadata  Metadata  `json:"metadata" cbor:"metadata"`
	Data      []byte    `json:"data,omitempty" cbor:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(category Category, eventType uint32, entityID uint64, source string, data []byte) Event {
	return Event{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Type:      eventType,
		EntityID:  entityID,
		Metadata:  Metadata{Source: source},
		Data:      data,
	}
}

// Topic returns the topic this event is published on.
func (e Event) Topic() string {
	return e.Category.Topic()
}

// CausedBy marks e as caused by parent, inheriting its correlation ID.
func (e Event) CausedBy(parent Event) Event {
	e.Metadata.CausationID = parent.ID.String()
	e.Metadata.CorrelationID = parent.Metadata.CorrelationID
	if e.Metadata.CorrelationID == "" {
		e.Metadata.CorrelationID = parent.ID.String()
	}
	return e
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new monotonic ULID.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// EventHandler receives decoded events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f(ctx, ev).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// PublishEvent encodes ev with codec and publishes it on ev.Topic().
func PublishEvent(ctx context.Context, pub Publisher, codec Codec, ev Event) error {
	data, err := codec.Marshal(ev)
	if err != nil {
		return oops.Code(CodePublishFailed).
			In("eventbus").
			With("topic", ev.Topic()).
			With("codec", codec.Name()).
			Wrap(err)
	}
	return pub.Publish(ctx, ev.Topic(), data)
}

// SubscribeEvents subscribes h to topic, decoding each payload with codec.
// Payloads that fail to decode are reported as handler errors.
func SubscribeEvents(ctx context.Context, sub Subscriber, topic string, codec Codec, h EventHandler) (Subscription, error) {
	return sub.Subscribe(ctx, topic, HandlerFunc(func(ctx context.Context, msg Message) error {
		var ev Event
		if err := codec.Unmarshal(msg.Payload, &ev); err != nil {
			return oops.In("eventbus").
				With("topic", msg.Topic).
				With("codec", codec.Name()).
				Wrapf(err, "decode event")
		}
		return h.HandleEvent(ctx, ev)
	}))
}
