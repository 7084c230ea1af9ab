// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package serviceplugin defines the contract between the core process and
// native service plugins.
//
// A service plugin is full-trust code running inside the core process. It is
// created once, initialized once with a Registry, and then contributes HTTP
// routes and gRPC services to the shared servers.
//
// A plugin built with -buildmode=plugin exports the entry symbol:
//
//	package main
//
//	import "github.com/finalverse/finalverse/pkg/serviceplugin"
//
//	func FinalversePlugin() serviceplugin.ServicePlugin {
//		return &myPlugin{}
//	}
//
// Compiled-in plugins call Register from an init function instead.
package serviceplugin

import (
	"context"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"

	"github.com/finalverse/finalverse/pkg/eventbus"
)

// EntrySymbol is the symbol the host resolves in a native artifact.
const EntrySymbol = "FinalversePlugin"

// HostABI is the plugin ABI version implemented by this package. Plugins
// that report an ABIVersion must satisfy the host's constraint on it.
const HostABI = "1.0.0"

// Entry creates the plugin. Returning nil signals that the plugin could not
// be constructed.
type Entry func() ServicePlugin

// ServicePlugin is implemented by every native service plugin. Implementations
// must be safe for concurrent use once Init returns.
type ServicePlugin interface {
	// Name identifies the plugin. Names are unique within a process.
	Name() string

	// Init is called exactly once, before Routes and RegisterGRPC.
	Init(ctx context.Context, reg Registry) error

	// Routes returns the HTTP routes the plugin serves. Patterns use
	// http.ServeMux syntax.
	Routes(ctx context.Context) (RouteSet, error)

	// RegisterGRPC registers the plugin's gRPC services.
	RegisterGRPC(s grpc.ServiceRegistrar) error
}

// ABIVersioned is implemented by plugins that declare the ABI they were
// built against.
type ABIVersioned interface {
	ABIVersion() string
}

// Closer is implemented by plugins holding resources. The host calls Close
// once during shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Route binds one ServeMux pattern to a handler.
type Route struct {
	Pattern string
	Handler http.Handler
}

// RouteSet is the ordered set of routes a plugin serves.
type RouteSet []Route

// Handle appends a route.
func (rs *RouteSet) Handle(pattern string, h http.Handler) {
	*rs = append(*rs, Route{Pattern: pattern, Handler: h})
}

// HandleFunc appends a route served by f.
func (rs *RouteSet) HandleFunc(pattern string, f func(http.ResponseWriter, *http.Request)) {
	rs.Handle(pattern, http.HandlerFunc(f))
}

// Registry is the host surface a plugin receives in Init. Each plugin gets a
// view scoped to its own name.
type Registry interface {
	// RegisterService records that name is reachable at url.
	RegisterService(ctx context.Context, name, url string) error

	// LookupService returns the url registered for name.
	LookupService(ctx context.Context, name string) (string, error)

	// ReportHealth marks the calling plugin serving or not serving.
	ReportHealth(healthy bool)

	// Config returns the plugin's configuration value for key, read from
	// plugins.<name>.<key>.
	Config(key string) (any, bool)

	// Bus returns the process event bus.
	Bus() eventbus.Bus

	// Logger returns a logger tagged with the plugin name.
	Logger() *slog.Logger
}
