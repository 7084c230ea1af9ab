// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import (
	"encoding/binary"
	"math"

	"github.com/samber/oops"
)

// Guest view of an event context. All fields are little-endian; the context
// starts on an 8-byte boundary.
//
//	offset 0   entity_id    u64
//	offset 8   event_type   u32
//	offset 12  payload_ptr  u32 (0 when payload_len is 0)
//	offset 16  payload_len  u64
const (
	ContextSize = 24

	offEntityID   = 0
	offEventType  = 8
	offPayloadPtr = 12
	offPayloadLen = 16
)

// EventContext is the host side of the value passed to a guest's on_event
// export. Payload is copied into guest memory for the duration of one call.
type EventContext struct {
	EntityID  uint64
	EventType uint32
	Payload   []byte
}

// frame is an EventContext validated against guest memory bounds. It is
// produced once per call by layout and never escapes the call.
type frame struct {
	ctxPtr     uint32
	payloadPtr uint32
	payload    []byte
	header     [ContextSize]byte
}

// layout places ec at base: context first, payload immediately after. It
// enforces the payload_ptr/payload_len invariant and the wasm32 address range.
func layout(base uint32, ec EventContext) (frame, error) {
	n := uint64(len(ec.Payload))
	end := uint64(base) + ContextSize + n
	if end > math.MaxUint32 {
		return frame{}, oops.Code(CodePayloadTooLarge).
			In("sandbox").
			With("payload_len", n).
			Wrapf(ErrPayloadTooLarge, "payload does not fit a 32-bit address space")
	}

	f := frame{ctxPtr: base, payload: ec.Payload}
	if n > 0 {
		f.payloadPtr = base + ContextSize
	}

	binary.LittleEndian.PutUint64(f.header[offEntityID:], ec.EntityID)
	binary.LittleEndian.PutUint32(f.header[offEventType:], ec.EventType)
	binary.LittleEndian.PutUint32(f.header[offPayloadPtr:], f.payloadPtr)
	binary.LittleEndian.PutUint64(f.header[offPayloadLen:], n)
	return f, nil
}

// size is the number of guest bytes the frame occupies.
func (f frame) size() uint32 {
	return ContextSize + uint32(len(f.payload))
}
