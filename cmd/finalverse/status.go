// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

var statusFlagKeys = map[string]string{
	"core-metrics-addr":    "core.metrics_addr",
	"gateway-metrics-addr": "gateway.metrics_addr",
}

// statusTimeout bounds each health request.
const statusTimeout = 2 * time.Second

// ProcessStatus holds the health check results for one process.
type ProcessStatus struct {
	Component string `json:"component"`
	Addr      string `json:"addr"`
	Running   bool   `json:"running"`
	Ready     bool   `json:"ready"`
	Error     string `json:"error,omitempty"`
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of running Finalverse processes",
		Long: `Show whether the core and gateway processes are running and ready,
using the health endpoints on their metrics addresses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, statusFlagKeys)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: statusTimeout}
			statuses := []ProcessStatus{
				queryProcessStatus(cmd.Context(), client, "core", cfg.Core.MetricsAddr),
				queryProcessStatus(cmd.Context(), client, "gateway", cfg.Gateway.MetricsAddr),
			}
			if jsonOutput {
				return writeStatusJSON(cmd.OutOrStdout(), statuses)
			}
			writeStatusTable(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("core-metrics-addr", "", "core metrics/health address")
	cmd.Flags().String("gateway-metrics-addr", "", "gateway metrics/health address")
	return cmd
}

// queryProcessStatus checks liveness, then readiness.
func queryProcessStatus(ctx context.Context, client *http.Client, component, addr string) ProcessStatus {
	status := ProcessStatus{Component: component, Addr: addr}
	if addr == "" {
		status.Error = "metrics address disabled"
		return status
	}

	code, err := fetchStatus(ctx, client, addr, "/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Running = code == http.StatusOK

	code, err = fetchStatus(ctx, client, addr, "/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = code == http.StatusOK
	return status
}

func fetchStatus(ctx context.Context, client *http.Client, addr, path string) (int, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, oops.In("cmd").With("addr", addr).Wrapf(err, "get %s", path)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func writeStatusTable(out io.Writer, statuses []ProcessStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROCESS\tSTATUS\tREADY\tADDR")
	for _, s := range statuses {
		state, ready := "stopped", "-"
		if s.Running {
			state = "running"
			ready = fmt.Sprintf("%t", s.Ready)
		} else if s.Error != "" {
			state = "stopped (" + s.Error + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Component, state, ready, s.Addr)
	}
	_ = w.Flush()
}

func writeStatusJSON(out io.Writer, statuses []ProcessStatus) error {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return oops.In("cmd").Wrapf(err, "marshal status")
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
