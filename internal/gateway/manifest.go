// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import (
	"github.com/finalverse/finalverse/internal/manifest"
)

// Kind names how a manifest-declared plugin is built.
type Kind string

// Manifest kinds.
const (
	KindBuiltin Kind = "builtin"
	KindWasm    Kind = "wasm"
)

// Manifest declares a connection plugin without a native artifact.
type Manifest struct {
	Name    string         `yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Kind    Kind           `yaml:"kind" jsonschema:"enum=builtin,enum=wasm"`
	Path    string         `yaml:"path,omitempty" jsonschema:"pattern=^/[^\\s]*$"`
	Builtin string         `yaml:"builtin,omitempty" jsonschema:"description=Registered builtin factory (kind builtin)"`
	Module  string         `yaml:"module,omitempty" jsonschema:"description=Wasm module path relative to the manifest (kind wasm)"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// ManifestSchema is the JSON Schema of gateway plugin manifests.
var ManifestSchema = manifest.NewSchema(
	"https://finalverse.dev/schemas/ws-plugin.schema.json",
	"Finalverse Connection Plugin Manifest",
	"Schema for gateway connection plugin manifests",
	&Manifest{},
)
