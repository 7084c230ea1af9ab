// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package behavior

import (
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/behaviorsdk"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// decodeEvent turns a bus message into what a plugin receives. Without an
// envelope the payload passes through untouched.
func decodeEvent(envelope Envelope, msg eventbus.Message) (behaviorsdk.Event, error) {
	if envelope == EnvelopeNone {
		return behaviorsdk.Event{Topic: msg.Topic, Payload: msg.Payload}, nil
	}

	codec, ok := eventbus.CodecByName(string(envelope))
	if !ok {
		return behaviorsdk.Event{}, oops.In("behavior").With("envelope", string(envelope)).Errorf("unknown envelope")
	}
	var ev eventbus.Event
	if err := codec.Unmarshal(msg.Payload, &ev); err != nil {
		return behaviorsdk.Event{}, oops.In("behavior").
			With("topic", msg.Topic).
			With("envelope", string(envelope)).
			Wrapf(err, "decode envelope")
	}
	return behaviorsdk.Event{
		ID:       ev.ID.String(),
		Topic:    msg.Topic,
		EntityID: ev.EntityID,
		Type:     ev.Type,
		Payload:  ev.Data,
	}, nil
}
