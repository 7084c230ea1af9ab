// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// HostFunction is a capability a guest may import from the env module.
type HostFunction struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

type callerKey struct{}

func withCaller(ctx context.Context, module string) context.Context {
	return context.WithValue(ctx, callerKey{}, module)
}

// CallerModule returns the name of the module whose on_event is running.
// Host functions use it to attribute and authorize guest requests.
func CallerModule(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(callerKey{}).(string)
	return name, ok
}

// Guest log levels accepted by env.log.
const (
	LogLevelDebug int32 = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// LogFunction grants env.log(level i32, ptr i32, len i32).
func LogFunction(logger *slog.Logger) HostFunction {
	return HostFunction{
		Name:   "log",
		Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			level := api.DecodeI32(stack[0])
			ptr, n := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
			caller, _ := CallerModule(ctx)

			msg, ok := mod.Memory().Read(ptr, n)
			if !ok {
				logger.Warn("guest log out of bounds", "module", caller, "ptr", ptr, "len", n)
				return
			}

			var lvl slog.Level
			switch level {
			case LogLevelDebug:
				lvl = slog.LevelDebug
			case LogLevelWarn:
				lvl = slog.LevelWarn
			case LogLevelError:
				lvl = slog.LevelError
			default:
				lvl = slog.LevelInfo
			}
			logger.Log(ctx, lvl, string(msg), "module", caller, "source", "guest")
		},
	}
}

// Results returned to the guest by env.publish.
const (
	PublishOK int32 = iota
	PublishBadMemory
	PublishDenied
	PublishFailed
)

// Authorizer decides whether module may publish to topic.
type Authorizer func(ctx context.Context, module, topic string) bool

// PublishFunction grants
// env.publish(topic_ptr i32, topic_len i32, payload_ptr i32, payload_len i32) -> i32.
// A nil authorize admits every valid topic.
func PublishFunction(pub eventbus.Publisher, authorize Authorizer, logger *slog.Logger) HostFunction {
	return HostFunction{
		Name:    "publish",
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(publish(ctx, mod, stack, pub, authorize, logger))
		},
	}
}

func publish(ctx context.Context, mod api.Module, stack []uint64, pub eventbus.Publisher, authorize Authorizer, logger *slog.Logger) int32 {
	caller, _ := CallerModule(ctx)
	mem := mod.Memory()

	topic, ok := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		return PublishBadMemory
	}
	view, ok := mem.Read(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if !ok {
		return PublishBadMemory
	}

	name := string(topic)
	if eventbus.ValidatePublishTopic(name) != nil {
		return PublishDenied
	}
	if authorize != nil && !authorize(ctx, caller, name) {
		logger.Warn("guest publish denied", "module", caller, "topic", name)
		return PublishDenied
	}

	// view aliases guest memory, which is scrubbed after the call.
	payload := make([]byte, len(view))
	copy(payload, view)

	if err := pub.Publish(ctx, name, payload); err != nil {
		logger.Warn("guest publish failed", "module", caller, "topic", name, "error", err)
		return PublishFailed
	}
	return PublishOK
}
