// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package behaviorsdk is the SDK for process behavior plugins.
//
// A process behavior is a separate executable started by the host through
// HashiCorp go-plugin. The host delivers bus events to it over gRPC and
// publishes whatever it emits, subject to the plugin's capabilities.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/finalverse/finalverse/pkg/behaviorsdk"
//	)
//
//	type mirror struct{}
//
//	func (mirror) HandleEvent(_ context.Context, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
//		return []behaviorsdk.Emit{{Topic: "events.echo", Payload: ev.Payload}}, nil
//	}
//
//	func main() {
//		behaviorsdk.Serve(&behaviorsdk.ServeConfig{Handler: mirror{}})
//	}
package behaviorsdk

import (
	"context"

	hashiplug "github.com/hashicorp/go-plugin"
)

// Event is one bus delivery as a behavior sees it.
type Event struct {
	// ID is the envelope id when the payload carried an envelope.
	ID string `cbor:"id,omitempty"`
	// Topic the message arrived on.
	Topic string `cbor:"topic"`
	// EntityID and Type come from the envelope; both are zero for raw payloads.
	EntityID uint64 `cbor:"entity_id"`
	Type     uint32 `cbor:"type"`
	// Payload is the envelope data, or the whole message for raw payloads.
	Payload []byte `cbor:"payload"`
}

// Emit is a message a behavior asks the host to publish.
type Emit struct {
	Topic   string `cbor:"topic"`
	Payload []byte `cbor:"payload"`
}

// Handler is implemented by behaviors.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) ([]Emit, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) ([]Emit, error)

// HandleEvent calls f(ctx, ev).
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) ([]Emit, error) {
	return f(ctx, ev)
}

// PluginName is the name behaviors are dispensed under.
const PluginName = "behavior"

// HandshakeConfig is shared by the host and every behavior executable.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FINALVERSE_BEHAVIOR",
	MagicCookieValue: "finalverse-behavior-v1",
}

// PluginMap is the go-plugin plugin set used on the host side.
var PluginMap = map[string]hashiplug.Plugin{
	PluginName: &GRPCPlugin{},
}

// ServeConfig configures Serve.
type ServeConfig struct {
	// Handler is required; Serve panics without one.
	Handler Handler
}

// Serve runs the behavior. It is called from main and does not return.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("behaviorsdk: config cannot be nil")
	}
	if config.Handler == nil {
		panic("behaviorsdk: config.Handler cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Impl: config.Handler},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}
