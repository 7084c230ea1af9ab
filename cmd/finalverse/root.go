// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Finalverse CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalverse",
		Short: "Finalverse - a plugin-hosting game server",
		Long: `Finalverse hosts game logic as plugins: native service plugins in the
core process, sandboxed WebAssembly, Lua and process behaviors on the event
bus, and connection-scoped WebSocket plugins in the gateway.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewCoreCmd())
	cmd.AddCommand(NewGatewayCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewGenSchemaCmd())

	return cmd
}
