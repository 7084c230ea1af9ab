// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/pkg/errutil"
)

func TestValidatePublishTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"simple", "events.world", false},
		{"single token", "chat", false},
		{"unicode", "events.ørken", false},
		{"empty", "", true},
		{"whitespace", "events. world", true},
		{"empty token", "events..world", true},
		{"trailing dot", "events.", true},
		{"star wildcard", "events.*", true},
		{"tail wildcard", "events.>", true},
		{"invalid utf8", "events.\xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePublishTopic(tt.topic)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTopic)
				errutil.AssertErrorCode(t, err, CodeInvalidTopic)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateSubscribeTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"concrete", "events.world", false},
		{"star token", "events.*", false},
		{"star middle", "events.*.moved", false},
		{"tail", "events.>", false},
		{"tail not last", "events.>.world", true},
		{"partial star", "events.wor*", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubscribeTopic(tt.topic)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTopic)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHandlerFunc_Delegates(t *testing.T) {
	var got Message
	h := HandlerFunc(func(_ context.Context, msg Message) error {
		got = msg
		return errors.New("boom")
	})

	err := h.HandleMessage(context.Background(), Message{Topic: "a", Payload: []byte{1}})

	assert.EqualError(t, err, "boom")
	assert.Equal(t, "a", got.Topic)
	assert.Equal(t, []byte{1}, got.Payload)
}

// recordingBus delivers synchronously to a single handler per topic.
type recordingBus struct {
	handlers  map[string]Handler
	published []Message
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.published = append(b.published, Message{Topic: topic, Payload: payload})
	if h, ok := b.handlers[topic]; ok {
		return h.HandleMessage(ctx, Message{Topic: topic, Payload: payload})
	}
	return nil
}

func (b *recordingBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	if b.handlers == nil {
		b.handlers = make(map[string]Handler)
	}
	b.handlers[topic] = h
	return nil, nil
}

func TestPublishEvent_RoundTripsThroughCodecs(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			bus := &recordingBus{}
			var received Event
			_, err := SubscribeEvents(context.Background(), bus, CategoryWorld.Topic(), codec,
				EventHandlerFunc(func(_ context.Context, ev Event) error {
					received = ev
					return nil
				}))
			require.NoError(t, err)

			ev := NewEvent(CategoryWorld, 7, 42, "test", []byte{0x00, 0xff, 0x10})
			ev.Metadata.Tags = []string{"a", "b"}
			require.NoError(t, PublishEvent(context.Background(), bus, codec, ev))

			require.Len(t, bus.published, 1)
			assert.Equal(t, "events.world", bus.published[0].Topic)
			assert.Equal(t, ev.ID, received.ID)
			assert.Equal(t, uint32(7), received.Type)
			assert.Equal(t, uint64(42), received.EntityID)
			assert.Equal(t, ev.Data, received.Data)
			assert.Equal(t, ev.Metadata, received.Metadata)
			assert.True(t, ev.Timestamp.Equal(received.Timestamp))
		})
	}
}

func TestSubscribeEvents_DecodeFailureIsHandlerError(t *testing.T) {
	bus := &recordingBus{}
	called := false
	_, err := SubscribeEvents(context.Background(), bus, "events.world", JSON,
		EventHandlerFunc(func(context.Context, Event) error {
			called = true
			return nil
		}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), "events.world", []byte("not json"))

	assert.Error(t, err)
	assert.False(t, called)
}

func TestEvent_CausedBy(t *testing.T) {
	root := NewEvent(CategoryPlayer, 1, 1, "gateway", nil)
	child := NewEvent(CategoryEcho, 2, 1, "behavior", nil).CausedBy(root)
	grandchild := NewEvent(CategorySong, 3, 1, "behavior", nil).CausedBy(child)

	assert.Equal(t, root.ID.String(), child.Metadata.CausationID)
	assert.Equal(t, root.ID.String(), child.Metadata.CorrelationID)
	assert.Equal(t, child.ID.String(), grandchild.Metadata.CausationID)
	assert.Equal(t, root.ID.String(), grandchild.Metadata.CorrelationID)
}

func TestNewID_Monotonic(t *testing.T) {
	prev := NewID()
	for range 100 {
		next := NewID()
		assert.Equal(t, 1, next.Compare(prev), "ids must increase")
		prev = next
	}
	assert.NotEqual(t, ulid.ULID{}, prev)
}

func TestCodecByName(t *testing.T) {
	c, ok := CodecByName("cbor")
	require.True(t, ok)
	assert.Equal(t, "cbor", c.Name())

	c, ok = CodecByName("")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())

	_, ok = CodecByName("xml")
	assert.False(t, ok)
}
