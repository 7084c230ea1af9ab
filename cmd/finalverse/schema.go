// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/gateway"
	"github.com/finalverse/finalverse/internal/manifest"
)

// schemaFiles maps output file names to the manifest schemas they hold.
var schemaFiles = []struct {
	file   string
	schema *manifest.Schema
}{
	{"behavior-plugin.schema.json", behavior.ManifestSchema},
	{"ws-plugin.schema.json", gateway.ManifestSchema},
}

// NewGenSchemaCmd creates the gen-schema subcommand.
func NewGenSchemaCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "gen-schema",
		Short: "Generate JSON Schema files for plugin manifests",
		Long: `Generate the JSON Schema of behavior plugin.yaml manifests and of
gateway connection plugin manifests, for editor validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := writeSchemas(outDir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				cmd.Printf("Generated %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "schemas", "output directory")
	return cmd
}

func writeSchemas(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, oops.In("cmd").With("dir", dir).Wrapf(err, "create schema directory")
	}

	paths := make([]string, 0, len(schemaFiles))
	for _, sf := range schemaFiles {
		data, err := sf.schema.Generate()
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, sf.file)
		if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
			return nil, oops.In("cmd").With("path", path).Wrapf(err, "write schema")
		}
		paths = append(paths, path)
	}
	return paths, nil
}
