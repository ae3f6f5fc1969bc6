package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const connectionPollInterval = 2 * time.Second

type tunnelCmd struct {
	root *rootOptions
}

func (c *tunnelCmd) run(cmd *cobra.Command) error {
	a, err := newApp(c.root)
	if err != nil {
		return err
	}
	defer a.orch.Close()

	ctx, stop := signalContext()
	defer stop()

	url, err := a.orch.StartTunnel(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)

	a.orch.WatchConnections(ctx, connectionPollInterval, func(n int) {
		log.Info().Int("connections", n).Msg("tunnel clients")
	})
	return nil
}

func newTunnelCmd(root *rootOptions) *cobra.Command {
	c := &tunnelCmd{root: root}
	return &cobra.Command{
		Use:   "tunnel",
		Short: "Expose OBS through a tunnel and print its public URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
}
