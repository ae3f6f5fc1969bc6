package main

import (
	"context"
	"time"

	"github.com/rastry/obsrelay/internal/api"
	"github.com/rastry/obsrelay/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveCmd struct {
	root       *rootOptions
	apiPort    int
	apiOrigins []string
	tunnel     bool
	relay      bool
}

func (c *serveCmd) run() error {
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
	defer func() {
		if err := a.orch.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	if c.relay || a.orch.RelayAutostart() {
		if _, err := a.orch.StartRelay(a.orch.RelayPort()); err != nil {
			log.Error().Err(err).Msg("relay did not start")
		} else {
			log.Info().Str("addr", a.orch.RelayStatus().Addr).Msg("relay running")
		}
	}

	if c.tunnel {
		url, err := a.orch.StartTunnel(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("url", url).Msg("tunnel running")
	}

	srv := api.New(a.orch, api.Config{
		Stats:          a.stats,
		LogRequests:    log.Logger.GetLevel() <= zerolog.DebugLevel,
		AllowedOrigins: c.apiOrigins,
	})
	addr, err := srv.Start(c.apiPort)
	if err != nil {
		return err
	}
	log.Info().Str("addr", "http://"+addr).Msg("control api ready")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServeCmd(root *rootOptions) *cobra.Command {
	c := &serveCmd{root: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, optionally with the tunnel and the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run()
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&c.apiPort, "api-port", config.DefaultAPIPort, "Port of the local control API")
	flags.StringSliceVar(&c.apiOrigins, "api-origin", nil, "Browser origin allowed to call the control API (repeatable, e.g. https://dash.example)")
	flags.BoolVar(&c.tunnel, "tunnel", false, "Open the tunnel at startup")
	flags.BoolVar(&c.relay, "relay", false, "Start the relay even when autostart is off")
	return cmd
}
