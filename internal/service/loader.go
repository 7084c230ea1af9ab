// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package service

import (
	"context"
	"plugin"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

// DefaultABIConstraint accepts plugins built against ABI 1.x.
const DefaultABIConstraint = "^1.0.0"

// Symbols resolves exported symbols of an opened artifact. *plugin.Plugin
// satisfies it.
type Symbols interface {
	Lookup(name string) (plugin.Symbol, error)
}

// Opener opens native artifacts.
type Opener interface {
	Open(path string) (Symbols, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Symbols, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Symbols, error) { return f(path) }

// GoPluginOpener opens artifacts built with -buildmode=plugin.
var GoPluginOpener Opener = OpenerFunc(func(path string) (Symbols, error) {
	return plugin.Open(path)
})

// Loader resolves artifacts into plugin instances.
type Loader struct {
	opener     Opener
	constraint *semver.Constraints
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOpener replaces the native artifact opener.
func WithOpener(o Opener) LoaderOption {
	return func(l *Loader) {
		l.opener = o
	}
}

// WithABIConstraint sets the semver constraint checked against a plugin's
// ABIVersion. An invalid constraint is ignored.
func WithABIConstraint(c string) LoaderOption {
	return func(l *Loader) {
		if parsed, err := semver.NewConstraint(c); err == nil {
			l.constraint = parsed
		}
	}
}

// NewLoader creates a loader using the Go plugin opener.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		opener:     GoPluginOpener,
		constraint: mustConstraint(DefaultABIConstraint),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func mustConstraint(c string) *semver.Constraints {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return parsed
}

// Load resolves the entry of a and constructs the plugin.
func (l *Loader) Load(_ context.Context, a Artifact) (serviceplugin.ServicePlugin, error) {
	entry, err := l.resolve(a)
	if err != nil {
		return nil, err
	}

	var p serviceplugin.ServicePlugin
	if rec := oops.Recover(func() { p = entry() }); rec != nil {
		return nil, oops.Code(CodeABIMismatch).
			In("service").
			With("artifact", a.String()).
			Wrapf(ErrABIMismatch, "entry panicked: %v", rec)
	}
	if p == nil {
		return nil, oops.Code(CodeABIMismatch).
			In("service").
			With("artifact", a.String()).
			Wrapf(ErrABIMismatch, "entry returned nil")
	}

	if err := l.checkABI(a, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Loader) resolve(a Artifact) (serviceplugin.Entry, error) {
	if a.Kind == KindBuiltin {
		entry, ok := serviceplugin.Lookup(a.Path)
		if !ok {
			return nil, oops.Code(CodeEntrySymbolMissing).
				In("service").
				With("artifact", a.String()).
				Hint("compiled-in plugins register from an init function").
				Wrapf(ErrEntrySymbolMissing, "no builtin plugin %q", a.Path)
		}
		return entry, nil
	}

	syms, err := l.opener.Open(a.Path)
	if err != nil {
		return nil, oops.Code(CodeArtifactUnreadable).
			In("service").
			With("artifact", a.String()).
			Wrapf(ErrArtifactUnreadable, "%v", err)
	}

	sym, err := syms.Lookup(serviceplugin.EntrySymbol)
	if err != nil {
		return nil, oops.Code(CodeEntrySymbolMissing).
			In("service").
			With("artifact", a.String()).
			With("symbol", serviceplugin.EntrySymbol).
			Wrapf(ErrEntrySymbolMissing, "%v", err)
	}

	// A func declaration resolves to its value and a var to a pointer.
	switch entry := sym.(type) {
	case func() serviceplugin.ServicePlugin:
		return entry, nil
	case serviceplugin.Entry:
		return entry, nil
	case *serviceplugin.Entry:
		if entry != nil && *entry != nil {
			return *entry, nil
		}
	case *func() serviceplugin.ServicePlugin:
		if entry != nil && *entry != nil {
			return *entry, nil
		}
	}
	return nil, oops.Code(CodeABIMismatch).
		In("service").
		With("artifact", a.String()).
		With("symbol", serviceplugin.EntrySymbol).
		Hint("export func FinalversePlugin() serviceplugin.ServicePlugin").
		Wrapf(ErrABIMismatch, "entry symbol has type %T", sym)
}

func (l *Loader) checkABI(a Artifact, p serviceplugin.ServicePlugin) error {
	versioned, ok := p.(serviceplugin.ABIVersioned)
	if !ok {
		return nil
	}
	v, err := semver.NewVersion(versioned.ABIVersion())
	if err != nil {
		return oops.Code(CodeABIMismatch).
			In("service").
			With("artifact", a.String()).
			With("plugin", p.Name()).
			Wrapf(ErrABIMismatch, "invalid ABI version %q: %v", versioned.ABIVersion(), err)
	}
	if !l.constraint.Check(v) {
		return oops.Code(CodeABIMismatch).
			In("service").
			With("artifact", a.String()).
			With("plugin", p.Name()).
			With("abi", v.String()).
			With("host_abi", serviceplugin.HostABI).
			Wrapf(ErrABIMismatch, "ABI %s does not satisfy %s", v, l.constraint)
	}
	return nil
}
