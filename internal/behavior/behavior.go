// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package behavior manages behavior plugins: manifest-described units of
// game logic that react to event bus messages.
//
// Each plugin lives in its own directory with a plugin.yaml manifest and is
// run by the Host registered for its type (wasm, lua or process). The
// Manager subscribes every loaded plugin to the topics it declares and
// publishes what it emits, subject to its capability grants.
package behavior

import (
	"context"
	"errors"

	"github.com/finalverse/finalverse/pkg/behaviorsdk"
)

// Host runs behavior plugins of one type.
type Host interface {
	// Load prepares the plugin described by m, whose files live in dir.
	Load(ctx context.Context, m *Manifest, dir string) error
	// Unload releases a loaded plugin.
	Unload(ctx context.Context, name string) error
	// Deliver hands ev to the plugin and returns the messages it emits.
	Deliver(ctx context.Context, name string, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error)
	// Plugins returns the loaded plugin names.
	Plugins() []string
	// Close releases every plugin.
	Close(ctx context.Context) error
}

// Error codes.
const (
	CodeDuplicatePlugin = "DUPLICATE_PLUGIN"
	CodeNotLoaded       = "PLUGIN_NOT_LOADED"
	CodeHostClosed      = "HOST_CLOSED"
	CodeNoHost          = "NO_HOST"
	CodeLoadFailed      = "LOAD_FAILED"
	CodeDeliveryFailed  = "DELIVERY_FAILED"
)

// Sentinel errors.
var (
	ErrDuplicatePlugin = errors.New("plugin already loaded")
	ErrNotLoaded       = errors.New("plugin not loaded")
	ErrHostClosed      = errors.New("host is closed")
	ErrNoHost          = errors.New("no host for plugin type")
	ErrLoadFailed      = errors.New("plugin load failed")
	ErrDeliveryFailed  = errors.New("event delivery failed")
)
