package main

import (
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/tunnelserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type tunnelServerCmd struct {
	controlAddr   string
	publicAddr    string
	adminAddr     string
	domain        string
	scheme        string
	tlsCrt        string
	tlsKey        string
	dbDriver      string
	dbDSN         string
	allowedTokens []string
}

func (c *tunnelServerCmd) validate() error {
	if (c.tlsCrt == "") != (c.tlsKey == "") {
		return errors.New("--tls-crt and --tls-key must be given together")
	}
	return nil
}

func (c *tunnelServerCmd) run() error {
	db, err := tunnelserver.OpenDB(c.dbDriver, c.dbDSN)
	if err != nil {
		return err
	}

	cfg := tunnelserver.Config{
		ControlAddr:   c.controlAddr,
		PublicAddr:    c.publicAddr,
		AdminAddr:     c.adminAddr,
		Domain:        c.domain,
		Scheme:        c.scheme,
		AllowedTokens: c.allowedTokens,
	}
	if c.tlsCrt != "" {
		crt, err := tls.LoadX509KeyPair(c.tlsCrt, c.tlsKey)
		if err != nil {
			return errors.Wrap(err, "load tls key pair")
		}
		cfg.TLS = &tls.Config{Certificates: []tls.Certificate{crt}, MinVersion: tls.VersionTLS12}
	}

	ctx, stop := signalContext()
	defer stop()

	srv := tunnelserver.New(cfg, tunnelserver.NewRegistry(db))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info().Msg("shutting down tunnel server")
	return srv.Close()
}

func newTunnelServerCmd() *cobra.Command {
	c := &tunnelServerCmd{}
	cmd := &cobra.Command{
		Use:   "tunnel-server",
		Short: "Run a tunnel server that obsrelay clients can open tunnels on",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&c.controlAddr, "control-addr", ":7000", "Address for tunnel client sessions")
	flags.StringVar(&c.publicAddr, "addr", ":8080", "Address for public connections")
	flags.StringVar(&c.adminAddr, "admin-addr", "127.0.0.1:7001", "Address of the tunnel listing API (empty disables it)")
	flags.StringVar(&c.domain, "domain", "", "Parent domain of tunnel subdomains")
	flags.StringVar(&c.scheme, "scheme", "https", "Scheme of the public URLs handed to clients")
	flags.StringVar(&c.tlsCrt, "tls-crt", "", "Path to a TLS certificate for the control listener")
	flags.StringVar(&c.tlsKey, "tls-key", "", "Path to the TLS key for the control listener")
	flags.StringVar(&c.dbDriver, "db-driver", "sqlite", "Registry database driver: sqlite, postgres or mysql")
	flags.StringVar(&c.dbDSN, "db-dsn", "obsrelay-tunnels.db", "Registry database DSN")
	flags.StringSliceVar(&c.allowedTokens, "allow-token", nil, "Auth token allowed to open tunnels (repeatable; any non-empty token when unset)")

	cmd.MarkFlagRequired("domain")
	return cmd
}
