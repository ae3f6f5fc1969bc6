package main

import (
	"context"
	"fmt"

	"github.com/rastry/obsrelay/internal/orchestrator"
	"github.com/rastry/obsrelay/internal/probe"
	"github.com/spf13/cobra"
)

func newCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that OBS is running with its WebSocket server enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !probe.CheckReachable(context.Background(), root.obsURL, probe.DefaultTimeout) {
				return orchestrator.ErrUpstreamUnreachable
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OBS is reachable at %s\n", root.obsURL)
			return nil
		},
	}
}
