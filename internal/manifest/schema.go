// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package manifest validates YAML plugin manifests against JSON Schemas
// generated from Go structs.
package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// CodeInvalidManifest is the oops code of every validation failure.
const CodeInvalidManifest = "INVALID_MANIFEST"

// Schema is the JSON Schema of one manifest type. The compiled form is built
// on first use.
type Schema struct {
	id          string
	title       string
	description string
	model       any

	once     sync.Once
	compiled *jschema.Schema
	err      error
}

// NewSchema describes manifests decoded into model, a pointer to a struct
// with yaml tags. Fields without omitempty are required.
func NewSchema(id, title, description string, model any) *Schema {
	return &Schema{id: id, title: title, description: description, model: model}
}

// ID returns the schema $id.
func (s *Schema) ID() string { return s.id }

// Generate returns the schema as indented JSON.
func (s *Schema) Generate() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(s.model)
	schema.ID = jsonschema.ID(s.id)
	schema.Title = s.title
	schema.Description = s.description

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("manifest").With("schema", s.id).Wrapf(err, "marshal schema")
	}
	return data, nil
}

func (s *Schema) compile() (*jschema.Schema, error) {
	s.once.Do(func() {
		data, err := s.Generate()
		if err != nil {
			s.err = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			s.err = oops.In("manifest").With("schema", s.id).Wrapf(err, "parse schema")
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			s.err = oops.In("manifest").With("schema", s.id).Wrapf(err, "add schema resource")
			return
		}
		s.compiled, s.err = c.Compile("schema.json")
		if s.err != nil {
			s.err = oops.In("manifest").With("schema", s.id).Wrapf(s.err, "compile schema")
		}
	})
	return s.compiled, s.err
}

// Validate checks YAML data against the schema.
func (s *Schema) Validate(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return oops.Code(CodeInvalidManifest).In("manifest").Errorf("manifest is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code(CodeInvalidManifest).In("manifest").Wrapf(err, "invalid YAML")
	}

	sch, err := s.compile()
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return oops.Code(CodeInvalidManifest).
			In("manifest").
			With("schema", s.id).
			Errorf("%s", FormatError(err))
	}
	return nil
}

// Decode validates data and unmarshals it into out.
func (s *Schema) Decode(data []byte, out any) error {
	if err := s.Validate(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return oops.Code(CodeInvalidManifest).In("manifest").Wrapf(err, "decode manifest")
	}
	return nil
}

// toJSONTypes converts yaml.v3 output into values the validator accepts.
// Integers become float64 the way encoding/json would produce them.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case string, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var out any
			if err := json.Unmarshal(b, &out); err == nil {
				return out
			}
		}
		return val
	}
}

// FormatError trims validator noise from a schema error for display.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "\n"); i >= 0 {
		detail := strings.TrimSpace(msg[i+1:])
		if detail != "" {
			return detail
		}
	}
	return msg
}
