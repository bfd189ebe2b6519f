// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// EndpointStatus holds the probe result for one health endpoint.
type EndpointStatus struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	baseURL    string
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running gatehouse server",
		Long:  `Probe the liveness and readiness endpoints of a running gatehouse server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringVar(&cfg.baseURL, "observability-url", "http://127.0.0.1:9090", "base URL of the observability listener")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	base := strings.TrimRight(cfg.baseURL, "/")
	statuses := map[string]EndpointStatus{
		"liveness":  probeEndpoint("liveness", base+"/healthz/liveness"),
		"readiness": probeEndpoint("readiness", base+"/healthz/readiness"),
	}

	var output string
	if cfg.jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		output = string(data)
	} else {
		output = formatStatusTable(statuses)
	}

	cmd.Println(output)
	return nil
}

func probeEndpoint(name, url string) EndpointStatus {
	status := EndpointStatus{Endpoint: name, URL: url}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Detail = strings.TrimSpace(string(body))
	status.Healthy = resp.StatusCode == http.StatusOK
	return status
}

func formatStatusTable(statuses map[string]EndpointStatus) string {
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tHEALTHY\tDETAIL")
	for _, name := range names {
		s := statuses[name]
		detail := s.Detail
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", s.Endpoint, s.Healthy, detail)
	}
	_ = w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}
