// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package sandboxtest provides hand-assembled guest modules for tests.
//
// Section sizes and names are length-prefixed by the helpers; every size
// used here fits in one LEB128 byte.
package sandboxtest

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func section(id byte, body ...byte) []byte {
	return append([]byte{id, byte(len(body))}, body...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func funcBody(code ...byte) []byte {
	body := append([]byte{0x00}, code...) // no locals
	return append([]byte{byte(len(body))}, body...)
}

func module(sections ...[]byte) []byte {
	return cat(append([][]byte{header}, sections...)...)
}

var (
	typeOnEvent   = section(0x01, 0x01, 0x60, 0x01, 0x7f, 0x00)
	funcOnEvent   = section(0x03, 0x01, 0x00)
	memoryOnePage = section(0x05, 0x01, 0x00, 0x01)
	exportMemory  = cat(name("memory"), []byte{0x02, 0x00})
)

func exportOnEvent(idx byte) []byte {
	return cat(name("on_event"), []byte{0x00, idx})
}

func exportGlobal(n string, idx byte) []byte {
	return cat(name(n), []byte{0x03, idx})
}

func mutableI32(init byte) []byte {
	return []byte{0x7f, 0x01, 0x41, init, 0x0b}
}

// trapOnType1 traps when the context's event_type is 1.
var trapOnType1 = []byte{
	0x20, 0x00, 0x28, 0x02, 0x08, // i32.load event_type
	0x41, 0x01, 0x46, // == 1
	0x04, 0x40, 0x00, 0x0b, // if unreachable end
}

// Noop exports memory and an on_event that returns immediately.
func Noop() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(0x0b))...),
	)
}

// Counter increments the exported global "count" on every event.
func Counter() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x06, cat([]byte{0x01}, mutableI32(0x00))...),
		section(0x07, cat([]byte{0x03}, exportMemory, exportGlobal("count", 0), exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(
			0x23, 0x00, // global.get 0
			0x41, 0x01, // i32.const 1
			0x6a,       // i32.add
			0x24, 0x00, // global.set 0
			0x0b,
		))...),
	)
}

// Trap executes unreachable on every event.
func Trap() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(0x00, 0x0b))...),
	)
}

// Loop never returns.
func Loop() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(
			0x03, 0x40, // loop
			0x0c, 0x00, // br 0
			0x0b,       // end loop
			0x0b,
		))...),
	)
}

// Recorder copies what it sees in the event context into globals: entity (low
// 32 bits), len, ptr and the first payload byte (-1 when the payload is
// empty). It traps when event_type is 1.
func Recorder() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x06, cat([]byte{0x04}, mutableI32(0x00), mutableI32(0x00), mutableI32(0x00), mutableI32(0x7f))...),
		section(0x07, cat([]byte{0x06},
			exportMemory,
			exportGlobal("entity", 0),
			exportGlobal("len", 1),
			exportGlobal("ptr", 2),
			exportGlobal("first", 3),
			exportOnEvent(0),
		)...),
		section(0x0a, cat([]byte{0x01}, funcBody(cat(trapOnType1, []byte{
			0x20, 0x00, 0x28, 0x02, 0x00, 0x24, 0x00, // entity
			0x20, 0x00, 0x29, 0x03, 0x10, 0xa7, 0x24, 0x01, // len (i64 wrapped)
			0x20, 0x00, 0x28, 0x02, 0x0c, 0x24, 0x02, // ptr
			0x23, 0x01, 0x04, 0x40, // if len != 0
			0x23, 0x02, 0x2d, 0x00, 0x00, 0x24, 0x03, // first = load8_u(ptr)
			0x0b,
			0x0b,
		})...))...),
	)
}

// Publisher publishes its payload to topic through env.publish and stores
// the result code in the exported global "status" (initially 127). It traps
// when event_type is 1. topic must be shorter than 64 bytes.
func Publisher(topic string) []byte {
	if len(topic) >= 64 {
		panic("sandboxtest: topic too long for a one-byte i32.const")
	}
	return module(
		section(0x01, 0x02,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
			0x60, 0x01, 0x7f, 0x00),
		section(0x02, cat([]byte{0x01}, name("env"), name("publish"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		memoryOnePage,
		section(0x06, cat([]byte{0x01}, mutableI32(0x7f))...),
		section(0x07, cat([]byte{0x03}, exportMemory, exportGlobal("status", 0), exportOnEvent(1))...),
		section(0x0a, cat([]byte{0x01}, funcBody(cat(trapOnType1, []byte{
			0x41, 0x00, // topic ptr
			0x41, byte(len(topic)), // topic len
			0x20, 0x00, 0x28, 0x02, 0x0c, // payload ptr
			0x20, 0x00, 0x29, 0x03, 0x10, 0xa7, // payload len
			0x10, 0x00, // call env.publish
			0x24, 0x00,
			0x0b,
		})...))...),
		section(0x0b, cat([]byte{0x01, 0x00, 0x41, 0x00, 0x0b}, name(topic))...),
	)
}

// NoMemory exports on_event but keeps its memory private.
func NoMemory() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x01}, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(0x0b))...),
	)
}

// WrongSignature exports on_event with no parameters.
func WrongSignature() []byte {
	return module(
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(0x0b))...),
	)
}

// Grower grows its memory by one page on every event, the way a guest heap
// does when it runs out of room.
func Grower() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		memoryOnePage,
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(
			0x41, 0x01, // i32.const 1
			0x40, 0x00, // memory.grow
			0x1a, // drop
			0x0b,
		))...),
	)
}

// FixedMemory declares one page of memory that cannot grow and no alloc
// export.
func FixedMemory() []byte {
	return module(
		typeOnEvent,
		funcOnEvent,
		section(0x05, 0x01, 0x01, 0x01, 0x01),
		section(0x07, cat([]byte{0x02}, exportMemory, exportOnEvent(0))...),
		section(0x0a, cat([]byte{0x01}, funcBody(0x0b))...),
	)
}

// Allocator has one fixed page of memory and exports alloc, which always
// returns offset 1024. on_event stores the context pointer it receives in
// the exported global "ctx".
func Allocator() []byte {
	return module(
		section(0x01, 0x02,
			0x60, 0x01, 0x7f, 0x00,
			0x60, 0x01, 0x7f, 0x01, 0x7f),
		section(0x03, 0x02, 0x00, 0x01),
		section(0x05, 0x01, 0x01, 0x01, 0x01),
		section(0x06, cat([]byte{0x01}, mutableI32(0x00))...),
		section(0x07, cat([]byte{0x04},
			exportMemory,
			exportGlobal("ctx", 0),
			exportOnEvent(0),
			name("alloc"), []byte{0x00, 0x01},
		)...),
		section(0x0a, cat([]byte{0x02},
			funcBody(0x20, 0x00, 0x24, 0x00, 0x0b), // ctx = ctx_ptr
			funcBody(0x41, 0x80, 0x08, 0x0b), // i32.const 1024
		)...),
	)
}

// BadAlloc exports alloc with no result.
func BadAlloc() []byte {
	return module(
		typeOnEvent,
		section(0x03, 0x02, 0x00, 0x00),
		memoryOnePage,
		section(0x07, cat([]byte{0x03}, exportMemory, exportOnEvent(0), name("alloc"), []byte{0x00, 0x01})...),
		section(0x0a, cat([]byte{0x02}, funcBody(0x0b), funcBody(0x0b))...),
	)
}
