// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/internal/gateway"
	"github.com/finalverse/finalverse/internal/manifest"
	"github.com/finalverse/finalverse/internal/service"
	"github.com/finalverse/finalverse/pkg/connplugin"
	"github.com/finalverse/finalverse/pkg/serviceplugin"
)

var pluginsFlagKeys = map[string]string{
	"service-dir":    "core.plugin_dir",
	"connection-dir": "gateway.plugin_dir",
	"behavior-dir":   "behavior.dir",
}

// PluginEntry is one row of the plugins list report.
type PluginEntry struct {
	Tier   string `json:"tier"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

// NewPluginsCmd creates the plugins subcommand.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and validate plugins without starting a process",
	}
	cmd.AddCommand(newPluginsListCmd(), newPluginsValidateCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the plugins each process would discover",
		Long: `List compiled-in builtins and the plugin artifacts found in the
configured directories. Nothing is loaded; the report is static.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, pluginsFlagKeys)
			if err != nil {
				return err
			}
			entries, err := listPlugins(cmd.Context(), cfg.Core.PluginDir, cfg.Gateway.PluginDir, cfg.Behavior.Dir)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writePluginsJSON(cmd.OutOrStdout(), entries)
			}
			writePluginsTable(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the report as JSON")
	addPluginDirFlags(cmd)
	return cmd
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate behavior and connection plugin manifests",
		Long: `Validate every manifest under dir: plugin.yaml files in its
subdirectories as behavior plugins and *.yaml files directly inside it as
connection plugins. Exits non-zero if any manifest is invalid.

Useful in CI pipelines to catch manifest errors early:
  finalverse plugins validate plugins/behaviors`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidatePlugins(cmd.OutOrStdout(), args[0])
		},
	}
}

func addPluginDirFlags(cmd *cobra.Command) {
	cmd.Flags().String("service-dir", "", "directory of native service plugin artifacts")
	cmd.Flags().String("connection-dir", "", "directory of connection plugins")
	cmd.Flags().String("behavior-dir", "", "directory of behavior plugins")
}

func listPlugins(ctx context.Context, serviceDir, connectionDir, behaviorDir string) ([]PluginEntry, error) {
	logger := slog.New(slog.DiscardHandler)
	var entries []PluginEntry

	for _, name := range serviceplugin.Builtins() {
		entries = append(entries, PluginEntry{Tier: "service", Name: name, Kind: string(service.KindBuiltin), Source: "compiled-in"})
	}
	artifacts, err := service.ScanDir(serviceDir, logger)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		entries = append(entries, PluginEntry{Tier: "service", Name: stem(a.Path), Kind: string(a.Kind), Source: a.Path})
	}

	for _, name := range connplugin.Builtins() {
		entries = append(entries, PluginEntry{Tier: "connection", Name: name, Kind: string(gateway.KindBuiltin), Source: "compiled-in"})
	}
	conns, err := connectionArtifacts(connectionDir)
	if err != nil {
		return nil, err
	}
	entries = append(entries, conns...)

	plugins, err := behavior.NewManager(behaviorDir, behavior.WithLogger(logger)).Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plugins {
		entries = append(entries, PluginEntry{Tier: "behavior", Name: p.Manifest.Name, Kind: string(p.Manifest.Type), Source: p.Dir})
	}
	return entries, nil
}

// connectionArtifacts reports connection artifacts by file. Manifests are
// decoded for their name and kind; undecodable ones are listed as invalid.
func connectionArtifacts(dir string) ([]PluginEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("cmd").With("dir", dir).Wrapf(err, "read connection plugin directory")
	}

	var out []PluginEntry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(dir, f.Name())
		switch strings.ToLower(filepath.Ext(f.Name())) {
		case service.NativeExt:
			out = append(out, PluginEntry{Tier: "connection", Name: stem(path), Kind: gateway.ArtifactNative, Source: path})
		case ".yaml", ".yml":
			m, err := decodeConnectionManifest(path)
			if err != nil {
				out = append(out, PluginEntry{Tier: "connection", Name: stem(path), Kind: "invalid", Source: path})
				continue
			}
			out = append(out, PluginEntry{Tier: "connection", Name: m.Name, Kind: string(m.Kind), Source: path})
		}
	}
	return out, nil
}

func decodeConnectionManifest(path string) (*gateway.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ReadDir of a user-named directory
	if err != nil {
		return nil, err
	}
	var m gateway.Manifest
	if err := gateway.ManifestSchema.Decode(data, &m); err != nil {
		return nil, err
	}
	if m.Kind == gateway.KindBuiltin {
		if _, ok := connplugin.Lookup(m.Builtin); !ok {
			return nil, oops.Code(manifest.CodeInvalidManifest).
				In("cmd").
				With("builtin", m.Builtin).
				Errorf("no builtin connection plugin %q", m.Builtin)
		}
	}
	return &m, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writePluginsTable(out io.Writer, entries []PluginEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIER\tNAME\tKIND\tSOURCE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Tier, e.Name, e.Kind, e.Source)
	}
	_ = w.Flush()
}

func writePluginsJSON(out io.Writer, entries []PluginEntry) error {
	if entries == nil {
		entries = []PluginEntry{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return oops.In("cmd").Wrapf(err, "encode plugin report")
	}
	return nil
}

// runValidatePlugins prints one line per manifest and fails if any is
// invalid.
func runValidatePlugins(out io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return oops.In("cmd").With("dir", dir).Wrapf(err, "read plugin directory")
	}

	checked, invalid := 0, 0
	report := func(path string, err error) {
		checked++
		if err != nil {
			invalid++
			_, _ = fmt.Fprintf(out, "FAIL %s: %s\n", path, manifest.FormatError(err))
			return
		}
		_, _ = fmt.Fprintf(out, "ok   %s\n", path)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			manifestPath := filepath.Join(path, behavior.ManifestFile)
			data, err := os.ReadFile(manifestPath) //nolint:gosec // path comes from ReadDir of a user-named directory
			if os.IsNotExist(err) {
				continue
			}
			if err == nil {
				_, err = behavior.ParseManifest(data)
			}
			report(manifestPath, err)
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			_, err := decodeConnectionManifest(path)
			report(path, err)
		}
	}

	if checked == 0 {
		return oops.In("cmd").With("dir", dir).Errorf("no plugin manifests found in %s", dir)
	}
	if invalid > 0 {
		return oops.Code(manifest.CodeInvalidManifest).
			In("cmd").
			With("dir", dir).
			Errorf("validation failed: %d of %d manifests invalid", invalid, checked)
	}
	_, _ = fmt.Fprintf(out, "all %d manifests valid\n", checked)
	return nil
}
