package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/meetbridge/pkg/core/tools"
)

type toolsOptions struct {
	json    bool
	timeout time.Duration
}

func newToolsCmd(root *rootOptions, deps serveDeps) *cobra.Command {
	opts := &toolsOptions{}
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect configured tool providers and list what they expose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(root.logFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if deps.loadConfig == nil {
				return fmt.Errorf("missing loadConfig dependency")
			}
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			registry, err := buildToolRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer registry.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			registry.ConnectAll(ctx)

			return writeProviders(cmd.OutOrStdout(), registry.Providers(), opts.json)
		},
	}
	cmd.Flags().BoolVar(&opts.json, "json", false, "print providers as JSON")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 20*time.Second, "time allowed for provider connects")
	return cmd
}

func writeProviders(w io.Writer, providers []tools.ProviderStatus, asJSON bool) error {
	if asJSON {
		if providers == nil {
			providers = []tools.ProviderStatus{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(providers)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKIND\tCONNECTED\tTOOLS")
	for _, p := range providers {
		toolNames := strings.Join(p.Tools, ",")
		if toolNames == "" {
			toolNames = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Kind, p.Connected, toolNames)
	}
	return tw.Flush()
}
