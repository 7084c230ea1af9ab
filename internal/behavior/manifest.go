// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package behavior

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/finalverse/finalverse/internal/behavior/capability"
	"github.com/finalverse/finalverse/internal/manifest"
	"github.com/finalverse/finalverse/pkg/eventbus"
)

// ManifestFile is the manifest name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Type identifies the runtime of a behavior plugin.
type Type string

// Plugin types.
const (
	TypeWasm    Type = "wasm"
	TypeLua     Type = "lua"
	TypeProcess Type = "process"
)

// Envelope names how bus payloads are decoded before delivery.
type Envelope string

// Envelopes. With EnvelopeNone the payload is delivered as is.
const (
	EnvelopeNone Envelope = ""
	EnvelopeJSON Envelope = "json"
	EnvelopeCBOR Envelope = "cbor"
)

// Manifest is a plugin.yaml file.
type Manifest struct {
	Name         string         `yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string         `yaml:"version" jsonschema:"minLength=1,description=Semantic version of the plugin"`
	Type         Type           `yaml:"type" jsonschema:"enum=wasm,enum=lua,enum=process"`
	Topics       []string       `yaml:"topics" jsonschema:"minItems=1,description=Bus topics the plugin subscribes to"`
	Capabilities []string       `yaml:"capabilities,omitempty" jsonschema:"description=Capability grant patterns such as publish.events.*"`
	Envelope     Envelope       `yaml:"envelope,omitempty" jsonschema:"enum=json,enum=cbor,description=Decode payloads as eventbus envelopes"`
	Wasm         *WasmConfig    `yaml:"wasm,omitempty"`
	Lua          *LuaConfig     `yaml:"lua,omitempty"`
	Process      *ProcessConfig `yaml:"process,omitempty"`
}

// WasmConfig configures a wasm plugin.
type WasmConfig struct {
	Module    string `yaml:"module" jsonschema:"minLength=1"`
	Instances int    `yaml:"instances,omitempty" jsonschema:"minimum=1,maximum=64"`
}

// LuaConfig configures a lua plugin.
type LuaConfig struct {
	Entry string `yaml:"entry" jsonschema:"minLength=1"`
}

// ProcessConfig configures a process plugin.
type ProcessConfig struct {
	Executable string `yaml:"executable" jsonschema:"minLength=1"`
}

// ManifestSchema is the JSON Schema of plugin.yaml.
var ManifestSchema = manifest.NewSchema(
	"https://finalverse.dev/schemas/behavior-plugin.schema.json",
	"Finalverse Behavior Plugin Manifest",
	"Schema for behavior plugin.yaml manifest files",
	&Manifest{},
)

// ParseManifest validates data against the schema and the rules the schema
// cannot express.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := ManifestSchema.Decode(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks what the schema does not: the version, topic syntax,
// grant syntax and the type-specific section.
func (m *Manifest) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return oops.Code(manifest.CodeInvalidManifest).
			In("behavior").
			With("plugin", m.Name).
			With("field", field).
			Errorf(format, args...)
	}

	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return invalid("version", "version %q is not a semantic version: %v", m.Version, err)
	}
	for _, topic := range m.Topics {
		if err := eventbus.ValidateSubscribeTopic(topic); err != nil {
			return invalid("topics", "topic %q: %v", topic, err)
		}
	}
	if err := capability.Compile(m.Capabilities); err != nil {
		return invalid("capabilities", "%v", err)
	}

	switch m.Type {
	case TypeWasm:
		if m.Wasm == nil {
			return invalid("wasm", "wasm section is required when type is wasm")
		}
	case TypeLua:
		if m.Lua == nil {
			return invalid("lua", "lua section is required when type is lua")
		}
	case TypeProcess:
		if m.Process == nil {
			return invalid("process", "process section is required when type is process")
		}
	default:
		return invalid("type", "unknown type %q", m.Type)
	}
	return nil
}

// PoolSize returns the number of wasm instances, at least 1.
func (c *WasmConfig) PoolSize() int {
	if c == nil || c.Instances < 1 {
		return 1
	}
	return c.Instances
}
