// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/finalverse/finalverse/internal/sandbox"
	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// Event types a wasm connection plugin receives in on_event.
const (
	WasmEventOpen    uint32 = 1
	WasmEventMessage uint32 = 2
	WasmEventClose   uint32 = 3
)

var connSeq atomic.Uint64

// ReplyTopic is the bus topic a wasm connection plugin publishes to in order
// to write to the connection whose entity id is entity.
func ReplyTopic(plugin string, entity uint64) string {
	return "gateway." + plugin + "." + strconv.FormatUint(entity, 10)
}

// HostFunctions returns the host functions wasm connection plugins link
// against. A module may publish only to its own reply topics.
func HostFunctions(pub eventbus.Publisher, logger *slog.Logger) []sandbox.HostFunction {
	return []sandbox.HostFunction{
		sandbox.LogFunction(logger),
		sandbox.PublishFunction(pub, authorizeReply, logger),
	}
}

func authorizeReply(_ context.Context, module, topic string) bool {
	return strings.HasPrefix(topic, "gateway."+module+".")
}

// wasmPlugin gives every connection its own sandbox instance. The entity id
// in each event context identifies the connection.
type wasmPlugin struct {
	name   string
	path   string
	module *sandbox.Module
	bus    eventbus.Bus
	logger *slog.Logger
}

func newWasmPlugin(name, path string, module *sandbox.Module, bus eventbus.Bus, logger *slog.Logger) *wasmPlugin {
	return &wasmPlugin{name: name, path: path, module: module, bus: bus, logger: logger}
}

func (p *wasmPlugin) Name() string { return p.name }

func (p *wasmPlugin) Path() string { return p.path }

func (p *wasmPlugin) NewHandler() connplugin.Handler {
	return &wasmHandler{plugin: p, entity: connSeq.Add(1)}
}

type wasmHandler struct {
	plugin *wasmPlugin
	entity uint64
}

func (h *wasmHandler) ServeConn(ctx context.Context, conn connplugin.Conn) error {
	inst, err := h.plugin.module.Instantiate(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = inst.Close(context.Background()) }()

	if h.plugin.bus != nil {
		topic := ReplyTopic(h.plugin.name, h.entity)
		sub, err := h.plugin.bus.Subscribe(ctx, topic, eventbus.HandlerFunc(func(_ context.Context, msg eventbus.Message) error {
			return conn.Send(msg.Payload)
		}))
		if err != nil {
			return oops.In("gateway").With("plugin", h.plugin.name).Wrapf(err, "subscribe reply topic")
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := h.call(ctx, inst, WasmEventOpen, nil); err != nil {
		return err
	}
	for {
		data, err := conn.Receive()
		if err != nil {
			// The peer is gone; the close event is best effort.
			_ = h.call(context.WithoutCancel(ctx), inst, WasmEventClose, nil)
			return nil
		}
		if err := h.call(ctx, inst, WasmEventMessage, data); err != nil {
			return err
		}
	}
}

func (h *wasmHandler) call(ctx context.Context, inst *sandbox.Instance, eventType uint32, payload []byte) error {
	return inst.CallOnEvent(ctx, sandbox.EventContext{
		EntityID:  h.entity,
		EventType: eventType,
		Payload:   payload,
	})
}
