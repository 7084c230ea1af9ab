// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finalverse/finalverse/pkg/errutil"
)

type sample struct {
	Name    string         `yaml:"name" jsonschema:"pattern=^[a-z][a-z0-9-]*$"`
	Kind    string         `yaml:"kind" jsonschema:"enum=alpha,enum=beta"`
	Retries int            `yaml:"retries,omitempty" jsonschema:"minimum=0"`
	Tags    []string       `yaml:"tags,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

func newSample() *Schema {
	return NewSchema("https://finalverse.dev/schemas/sample.schema.json", "Sample", "test manifest", &sample{})
}

func TestSchema_Generate(t *testing.T) {
	data, err := newSample().Generate()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "https://finalverse.dev/schemas/sample.schema.json", doc["$id"])
	assert.Equal(t, "Sample", doc["title"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "retries")
	assert.NotContains(t, props, "Name")
	assert.ElementsMatch(t, []any{"name", "kind"}, doc["required"])
}

func TestSchema_Decode(t *testing.T) {
	var got sample
	err := newSample().Decode([]byte(`
name: echo
kind: alpha
retries: 3
tags: [a, b]
config:
  greeting: hi
  limit: 5
`), &got)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, "hi", got.Config["greeting"])
}

func TestSchema_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: "  \n"},
		{name: "not yaml", yaml: "name: [unclosed"},
		{name: "missing required", yaml: "name: echo"},
		{name: "bad enum", yaml: "name: echo\nkind: gamma"},
		{name: "bad pattern", yaml: "name: Echo\nkind: alpha"},
		{name: "negative", yaml: "name: echo\nkind: alpha\nretries: -1"},
		{name: "unknown field", yaml: "name: echo\nkind: alpha\nextra: true"},
	}

	s := newSample()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate([]byte(tt.yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, CodeInvalidManifest)
		})
	}
}

func TestFormatError(t *testing.T) {
	assert.Empty(t, FormatError(nil))
}
