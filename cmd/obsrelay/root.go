package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/config"
	"github.com/rastry/obsrelay/internal/gateway"
	"github.com/rastry/obsrelay/internal/hooks"
	"github.com/rastry/obsrelay/internal/obs"
	"github.com/rastry/obsrelay/internal/orchestrator"
	"github.com/rastry/obsrelay/internal/proxy"
	"github.com/rastry/obsrelay/internal/stats"
	"github.com/rastry/obsrelay/internal/tunnel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

const rootDesc = `
obsrelay lets remote operators drive a local OBS Studio instance. It can
expose the obs-websocket control socket through an outbound-only tunnel,
and it can fan that socket out to many remote clients through a relay that
speaks the obs-websocket v5 protocol.
Detailed help for each command is available with 'obsrelay help <command>'.
`

type rootOptions struct {
	debug        bool
	obsURL       string
	obsPassword  string
	tunnelServer string
	tunnelTLS    bool
	allowIPs     []string
	relayHost    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "obsrelay",
		Short:        "remote access to a local OBS Studio",
		Long:         rootDesc,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				log.Logger = log.Level(zerolog.DebugLevel)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.obsURL, "obs-url", config.GetOBSURL(), "OBS WebSocket URL (env OBS_URL)")
	flags.StringVar(&opts.obsPassword, "obs-password", config.GetOBSPassword(), "OBS WebSocket password (env OBS_PASSWORD)")
	flags.StringVar(&opts.tunnelServer, "tunnel-server", config.GetTunnelServer(), "Tunnel server control address (env TUNNEL_SERVER)")
	flags.BoolVar(&opts.tunnelTLS, "tunnel-tls", true, "Use TLS to reach the tunnel server")
	flags.StringVar(&opts.relayHost, "relay-host", "", "Interface the relay listens on (all interfaces when empty)")
	flags.StringSliceVar(&opts.allowIPs, "allow-ip", nil, "Comma-separated list of IPs or CIDRs allowed through the tunnel (e.g. 1.2.3.4,10.0.0.0/8)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newTunnelCmd(opts))
	cmd.AddCommand(newRelayCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newTunnelServerCmd())
	return cmd
}

// app wires every relay component around one settings store.
type app struct {
	settings *config.FileStore
	stats    *stats.Store
	upstream *obs.Client
	orch     *orchestrator.Orchestrator
}

func newApp(opts *rootOptions) (*app, error) {
	settings, err := config.OpenDefaultStore()
	if err != nil {
		return nil, err
	}

	st := stats.NewStore(500)
	pipeline := &hooks.Pipeline{}
	pipeline.Add(st)

	upstream := obs.NewClient(obs.Config{URL: opts.obsURL, Password: opts.obsPassword})

	px := proxy.New(proxy.Config{Target: opts.obsURL, Hooks: pipeline})
	gw := gateway.New(gateway.Config{Host: opts.relayHost, Upstream: upstream, Hooks: pipeline})

	provider := tunnel.NewYamuxProvider(tunnel.YamuxConfig{
		ServerAddr:    opts.tunnelServer,
		TLS:           tunnelTLS(opts),
		ClientVersion: version,
		AllowIPs:      opts.allowIPs,
	})
	tm := tunnel.NewManager(provider, settings)

	orch := orchestrator.New(orchestrator.Config{UpstreamURL: opts.obsURL}, settings, px, gw, tm)
	return &app{settings: settings, stats: st, upstream: upstream, orch: orch}, nil
}

func tunnelTLS(opts *rootOptions) *tls.Config {
	if !opts.tunnelTLS {
		return nil
	}
	host, _, err := net.SplitHostPort(opts.tunnelServer)
	if err != nil {
		host = opts.tunnelServer
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// runUpstream keeps the OBS session open in the background until ctx ends.
// The returned func waits for it to finish.
func (a *app) runUpstream(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.upstream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("obs session ended")
		}
	}()
	return func() { <-done }
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
