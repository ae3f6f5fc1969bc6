package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type relayCmd struct {
	root *rootOptions
	port int
}

func (c *relayCmd) run(cmd *cobra.Command) error {
	a, err := newApp(c.root)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	upCtx, cancelUp := context.WithCancel(context.Background())
	waitUp := a.runUpstream(upCtx)
	defer func() {
		cancelUp()
		waitUp()
	}()

	if _, err := a.orch.StartRelay(c.port); err != nil {
		return err
	}
	defer a.orch.StopRelay()
	fmt.Fprintf(cmd.OutOrStdout(), "relay listening on %s\n", a.orch.RelayStatus().Addr)

	<-ctx.Done()
	return nil
}

func newRelayCmd(root *rootOptions) *cobra.Command {
	c := &relayCmd{root: root}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the obs-websocket relay to local and remote clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
	cmd.Flags().IntVarP(&c.port, "port", "p", 0, "Relay port (1024-65535, defaults to the saved port)")
	return cmd
}
