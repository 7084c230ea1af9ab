// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

//go:build tinygo.wasm

// Package main is a wasm behavior that republishes the payload of every
// event it receives to events.echo.
//
// Build with TinyGo:
//
//	tinygo build -o plugins/behaviors/echo/echo.wasm -target=wasm-unknown -no-debug ./plugins/behaviors/echo
//
// The module exports memory, on_event(ctx_ptr i32) and alloc(size i32) i32,
// which hands the host a guest-owned buffer for event contexts. It imports
// only env.publish and env.log, both granted by the host.
package main

import "unsafe"

//go:wasmimport env publish
func publish(topicPtr, topicLen, payloadPtr, payloadLen uint32) int32

//go:wasmimport env log
func hostLog(level, ptr, length uint32)

const (
	echoTopic = "events.echo"
	logWarn   = 2
)

// eventContext mirrors the 24-byte little-endian context the host writes
// before each call.
type eventContext struct {
	EntityID   uint64
	EventType  uint32
	PayloadPtr uint32
	PayloadLen uint64
}

func ptr(s string) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s))))
}

// eventBuffer is where the host writes contexts. The global keeps it
// reachable; a larger request replaces it.
var eventBuffer []byte

//export alloc
func alloc(size uint32) uint32 {
	eventBuffer = make([]byte, size)
	return uint32(uintptr(unsafe.Pointer(&eventBuffer[0])))
}

//export on_event
func onEvent(ctxPtr uint32) {
	ec := (*eventContext)(unsafe.Pointer(uintptr(ctxPtr)))
	if ec.PayloadLen == 0 {
		return
	}
	if publish(ptr(echoTopic), uint32(len(echoTopic)), ec.PayloadPtr, uint32(ec.PayloadLen)) != 0 {
		msg := "echo publish refused"
		hostLog(logWarn, ptr(msg), uint32(len(msg)))
	}
}

func main() {}
