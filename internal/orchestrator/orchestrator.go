// Package orchestrator sequences the relay components: the upstream probe,
// the proxy behind the tunnel, the tunnel itself and the protocol gateway.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/config"
	"github.com/rastry/obsrelay/internal/gateway"
	"github.com/rastry/obsrelay/internal/probe"
	"github.com/rastry/obsrelay/internal/proxy"
	"github.com/rastry/obsrelay/internal/tunnel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUpstreamUnreachable = errors.New("OBS is not running or its WebSocket server is disabled")

// Settings is the persisted settings store.
type Settings interface {
	tunnel.CredentialStore
	GetInt(key string, def int) int
	GetBool(key string) bool
}

// ProbeFunc reports whether the upstream endpoint accepts connections.
type ProbeFunc func(ctx context.Context, endpoint string, timeout time.Duration) bool

type Config struct {
	// UpstreamURL is the OBS WebSocket endpoint probed before a tunnel opens.
	UpstreamURL  string
	ProbeTimeout time.Duration
	Probe        ProbeFunc
}

// TunnelStatus is the tunnel state together with the proxy pair count.
type TunnelStatus struct {
	tunnel.Status
	Connections int `json:"connections"`
}

type Orchestrator struct {
	cfg      Config
	settings Settings
	proxy    *proxy.Proxy
	gateway  *gateway.Gateway
	tunnel   *tunnel.Manager
	log      zerolog.Logger

	// tunnelMu serializes tunnel start sequences and proxy teardown.
	tunnelMu sync.Mutex
	relayMu  sync.Mutex
}

func New(cfg Config, settings Settings, px *proxy.Proxy, gw *gateway.Gateway, tm *tunnel.Manager) *Orchestrator {
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = config.GetOBSURL()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.Probe == nil {
		cfg.Probe = probe.CheckReachable
	}
	return &Orchestrator{
		cfg:      cfg,
		settings: settings,
		proxy:    px,
		gateway:  gw,
		tunnel:   tm,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) CheckUpstream(ctx context.Context) bool {
	return o.cfg.Probe(ctx, o.cfg.UpstreamURL, o.cfg.ProbeTimeout)
}

func (o *Orchestrator) AuthToken() string { return o.tunnel.AuthToken() }

func (o *Orchestrator) SetAuthToken(token string) error { return o.tunnel.SetAuthToken(token) }

// StartTunnel checks that OBS is up, starts the proxy on an ephemeral port
// and opens a tunnel to it. An active tunnel's URL is returned as is. When
// the tunnel fails a proxy started here is stopped again.
func (o *Orchestrator) StartTunnel(ctx context.Context) (string, error) {
	o.tunnelMu.Lock()
	defer o.tunnelMu.Unlock()

	if o.tunnel.State() == tunnel.Active {
		if url := o.tunnel.URL(); url != "" {
			return url, nil
		}
	}

	if !o.CheckUpstream(ctx) {
		return "", ErrUpstreamUnreachable
	}

	wasRunning := o.proxy.Port() != 0
	port, err := o.proxy.Start(0)
	if err != nil {
		return "", errors.Wrap(err, "start proxy")
	}

	url, err := o.tunnel.Start(ctx, port)
	if err != nil {
		if !wasRunning {
			if serr := o.proxy.Stop(); serr != nil {
				o.log.Warn().Err(serr).Msg("stopping proxy after tunnel failure")
			}
		}
		return "", err
	}

	o.log.Info().Str("url", url).Int("proxyPort", port).Msg("tunnel ready")
	return url, nil
}

// StopTunnel closes the tunnel, cancelling a start in progress, and then
// the proxy.
func (o *Orchestrator) StopTunnel() error {
	terr := o.tunnel.Stop()

	o.tunnelMu.Lock()
	defer o.tunnelMu.Unlock()
	perr := o.proxy.Stop()
	if terr != nil {
		return errors.Wrap(terr, "stop tunnel")
	}
	return errors.Wrap(perr, "stop proxy")
}

func (o *Orchestrator) ConnectionCount() int { return o.proxy.ConnectionCount() }

func (o *Orchestrator) TunnelStatus() TunnelStatus {
	return TunnelStatus{Status: o.tunnel.Status(), Connections: o.proxy.ConnectionCount()}
}

// WatchConnections calls fn with the proxy pair count whenever it changes,
// polling every interval until ctx ends. fn is called once at the start.
func (o *Orchestrator) WatchConnections(ctx context.Context, interval time.Duration, fn func(count int)) {
	last := o.ConnectionCount()
	fn(last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.ConnectionCount(); n != last {
				last = n
				fn(n)
			}
		}
	}
}

// StartRelay starts the gateway on port, or on the persisted relay port when
// port is not a valid relay port, and remembers the port it bound.
func (o *Orchestrator) StartRelay(port int) (int, error) {
	o.relayMu.Lock()
	defer o.relayMu.Unlock()

	if !config.ValidRelayPort(port) {
		port = o.RelayPort()
	}
	bound, err := o.gateway.Start(port)
	if err != nil {
		return 0, err
	}
	if err := o.settings.Set(config.KeyRelayPort, strconv.Itoa(bound)); err != nil {
		o.log.Warn().Err(err).Msg("relay port not saved")
	}
	return bound, nil
}

func (o *Orchestrator) StopRelay() error {
	o.relayMu.Lock()
	defer o.relayMu.Unlock()
	return o.gateway.Stop()
}

func (o *Orchestrator) RelayStatus() gateway.Status { return o.gateway.Status() }

// RelayPort returns the persisted relay port, or the default.
func (o *Orchestrator) RelayPort() int {
	port := o.settings.GetInt(config.KeyRelayPort, config.DefaultRelayPort)
	if !config.ValidRelayPort(port) {
		return config.DefaultRelayPort
	}
	return port
}

func (o *Orchestrator) RelayAutostart() bool {
	return o.settings.GetBool(config.KeyRelayAutostart)
}

func (o *Orchestrator) SetRelayAutostart(enabled bool) error {
	return errors.Wrap(o.settings.Set(config.KeyRelayAutostart, strconv.FormatBool(enabled)), "save relay autostart")
}

// Close stops the relay, the tunnel and the proxy. It returns the first
// error encountered.
func (o *Orchestrator) Close() error {
	rerr := o.StopRelay()
	terr := o.StopTunnel()
	if rerr != nil {
		return errors.Wrap(rerr, "stop relay")
	}
	return terr
}
