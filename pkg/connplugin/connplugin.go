// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package connplugin defines connection-scoped plugins served by the gateway.
//
// A connection plugin binds one URL path. Every WebSocket upgrade on that
// path gets a fresh Handler that owns the connection until it closes, so
// handlers keep per-connection state in plain fields.
package connplugin

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// EntrySymbol is the symbol the gateway resolves in a native artifact.
const EntrySymbol = "FinalverseWSPlugin"

// Entry creates the plugin. Returning nil signals failure.
type Entry func() Plugin

// Plugin is a factory for connection handlers.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// Path is the URL path the plugin serves, for example "/ws/chat". It
	// must not change after discovery.
	Path() string

	// NewHandler returns a handler for one connection. Handlers are never
	// shared between connections.
	NewHandler() Handler
}

// Handler serves one connection. ServeConn returns when the session ends;
// the gateway closes the connection afterwards.
type Handler interface {
	ServeConn(ctx context.Context, conn Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn Conn) error

// ServeConn implements Handler.
func (f HandlerFunc) ServeConn(ctx context.Context, conn Conn) error { return f(ctx, conn) }

// Conn is one upgraded connection.
type Conn interface {
	// ID is unique per connection for the life of the gateway.
	ID() string
	RemoteAddr() string
	// Receive blocks for the next message frame.
	Receive() ([]byte, error)
	// Send writes one text frame.
	Send(data []byte) error
	Close() error
}

// Env is what the gateway offers plugins that implement Configurable.
type Env struct {
	Bus    eventbus.Bus
	Logger *slog.Logger
	Config map[string]any
}

// Configurable is implemented by plugins that need gateway services. The
// gateway calls Configure once, before the path is bound.
type Configurable interface {
	Configure(env Env) error
}

var builtins = struct {
	sync.RWMutex
	entries map[string]Entry
}{entries: make(map[string]Entry)}

// Register makes a compiled-in plugin available to manifests under name. It
// panics if name is registered twice or entry is nil.
func Register(name string, entry Entry) {
	builtins.Lock()
	defer builtins.Unlock()

	if entry == nil {
		panic("connplugin: Register entry is nil")
	}
	if _, dup := builtins.entries[name]; dup {
		panic("connplugin: Register called twice for " + name)
	}
	builtins.entries[name] = entry
}

// Lookup returns the compiled-in entry registered under name.
func Lookup(name string) (Entry, bool) {
	builtins.RLock()
	defer builtins.RUnlock()

	entry, ok := builtins.entries[name]
	return entry, ok
}

// Builtins returns the sorted names of compiled-in plugins.
func Builtins() []string {
	builtins.RLock()
	defer builtins.RUnlock()

	names := make([]string, 0, len(builtins.entries))
	for name := range builtins.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
