// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package capability decides what a behavior plugin may do on the bus.
//
// Grants are glob patterns with '.' as the segment separator: "*" matches
// one segment and "**" matches any number of segments. A behavior that
// wants to publish on topic T needs a grant matching Publish(T), so
// "publish.events.*" admits "events.world" but not "events.world.region".
package capability

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// CodeInvalidGrant is the oops code for grant patterns that do not compile.
const CodeInvalidGrant = "INVALID_GRANT"

// ErrInvalidGrant is wrapped by every grant validation failure.
var ErrInvalidGrant = errors.New("invalid capability grant")

// Publish is the capability required to publish on topic.
func Publish(topic string) string {
	return "publish." + topic
}

type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds per-plugin grants. The zero value denies everything and is
// ready to use. It is safe for concurrent use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// Compile checks patterns without granting them.
func Compile(patterns []string) error {
	_, err := compile("", patterns)
	return err
}

func compile(plugin string, patterns []string) ([]grant, error) {
	out := make([]grant, 0, len(patterns))
	for i, p := range patterns {
		if p == "" {
			return nil, oops.Code(CodeInvalidGrant).
				In("capability").
				With("plugin", plugin).
				With("index", i).
				Wrapf(ErrInvalidGrant, "empty pattern")
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, oops.Code(CodeInvalidGrant).
				In("capability").
				With("plugin", plugin).
				With("pattern", p).
				Wrapf(ErrInvalidGrant, "%v", err)
		}
		out = append(out, grant{pattern: p, glob: g})
	}
	return out, nil
}

// Grant replaces plugin's grants with patterns. On error nothing changes.
func (e *Enforcer) Grant(plugin string, patterns []string) error {
	if plugin == "" {
		return oops.Code(CodeInvalidGrant).In("capability").Wrapf(ErrInvalidGrant, "plugin name is empty")
	}
	compiled, err := compile(plugin, patterns)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]grant)
	}
	e.grants[plugin] = compiled
	return nil
}

// Revoke drops every grant of plugin.
func (e *Enforcer) Revoke(plugin string) {
	e.mu.Lock()
	delete(e.grants, plugin)
	e.mu.Unlock()
}

// Grants returns a copy of plugin's patterns, or nil when it has none.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	gs, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.pattern
	}
	return out
}

// Plugins returns the plugins holding grants, sorted.
func (e *Enforcer) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.grants))
	for name := range e.grants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Allowed reports whether plugin holds capability. Unknown plugins and
// empty capabilities are denied.
func (e *Enforcer) Allowed(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return slices.ContainsFunc(e.grants[plugin], func(g grant) bool {
		return g.glob.Match(capability)
	})
}

// CanPublish reports whether plugin may publish on topic. Its signature
// matches sandbox.Authorizer.
func (e *Enforcer) CanPublish(_ context.Context, plugin, topic string) bool {
	return e.Allowed(plugin, Publish(topic))
}
