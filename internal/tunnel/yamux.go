package tunnel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	handshakeTimeout = 10 * time.Second
	keepAlive        = 30 * time.Second
	localDialTimeout = 5 * time.Second
)

type YamuxConfig struct {
	// ServerAddr is the host:port of the tunnel server's control listener.
	ServerAddr string
	// TLS enables TLS to the control listener when non-nil.
	TLS           *tls.Config
	DialTimeout   time.Duration
	MaxAttempts   int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	ClientVersion string
	// AllowIPs asks the server to accept public connections only from these
	// addresses or CIDRs.
	AllowIPs []string
	// LocalHost is where accepted streams are forwarded.
	LocalHost string
}

// YamuxProvider opens tunnels against an obsrelay tunnel server: one TCP
// connection per tunnel multiplexed with yamux, the first stream carrying
// the registration handshake and every later stream one public connection.
type YamuxProvider struct {
	cfg YamuxConfig
	log zerolog.Logger
}

func NewYamuxProvider(cfg YamuxConfig) *YamuxProvider {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	return &YamuxProvider{cfg: cfg, log: log.With().Str("component", "yamux-provider").Logger()}
}

// MuxConfig is the yamux configuration shared by tunnel clients and servers.
func MuxConfig(logger zerolog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = keepAlive
	cfg.LogOutput = logger
	return cfg
}

func (p *YamuxProvider) Open(ctx context.Context, localPort int, authToken string) (Endpoint, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess, err := yamux.Client(conn, MuxConfig(p.log))
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "yamux client")
	}

	resp, err := p.handshake(sess, localPort, authToken)
	if err != nil {
		sess.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.Error != "" {
		sess.Close()
		return nil, errors.Errorf("tunnel server refused: %s", resp.Error)
	}

	ep := &yamuxEndpoint{
		sess:  sess,
		url:   resp.URL,
		local: net.JoinHostPort(p.cfg.LocalHost, strconv.Itoa(localPort)),
		log:   p.log.With().Str("tunnel", resp.TunnelID).Logger(),
	}
	go ep.serve()
	return ep, nil
}

// dial connects to the tunnel server, retrying with jittered backoff.
func (p *YamuxProvider) dial(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{Min: p.cfg.BackoffMin, Max: p.cfg.BackoffMax, Factor: 2, Jitter: true}
	nd := &net.Dialer{Timeout: p.cfg.DialTimeout}

	for attempt := 1; ; attempt++ {
		var conn net.Conn
		var err error
		if p.cfg.TLS != nil {
			td := &tls.Dialer{NetDialer: nd, Config: p.cfg.TLS}
			conn, err = td.DialContext(ctx, "tcp", p.cfg.ServerAddr)
		} else {
			conn, err = nd.DialContext(ctx, "tcp", p.cfg.ServerAddr)
		}
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= p.cfg.MaxAttempts {
			return nil, errors.Wrapf(err, "dial %s after %d attempts", p.cfg.ServerAddr, attempt)
		}

		wait := b.Duration()
		p.log.Warn().Err(err).Int("attempt", attempt).Msgf("tunnel server unreachable, retrying in %s", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *YamuxProvider) handshake(sess *yamux.Session, localPort int, authToken string) (*types.RegisterResponse, error) {
	stream, err := sess.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open handshake stream")
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(handshakeTimeout))

	req := types.RegisterRequest{
		AuthToken:     authToken,
		LocalPort:     localPort,
		ClientVersion: p.cfg.ClientVersion,
		AllowIPs:      p.cfg.AllowIPs,
	}
	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return nil, errors.Wrap(err, "send handshake")
	}

	var resp types.RegisterResponse
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		return nil, errors.Wrap(err, "read handshake")
	}
	return &resp, nil
}

type yamuxEndpoint struct {
	sess  *yamux.Session
	url   string
	local string
	log   zerolog.Logger
}

func (e *yamuxEndpoint) URL() string           { return e.url }
func (e *yamuxEndpoint) Done() <-chan struct{} { return e.sess.CloseChan() }
func (e *yamuxEndpoint) Close() error          { return e.sess.Close() }

// serve forwards every server-opened stream to the local port until the
// session ends.
func (e *yamuxEndpoint) serve() {
	for {
		stream, err := e.sess.Accept()
		if err != nil {
			e.log.Debug().Err(err).Msg("tunnel session closed")
			return
		}
		go e.forward(stream)
	}
}

func (e *yamuxEndpoint) forward(stream net.Conn) {
	local, err := net.DialTimeout("tcp", e.local, localDialTimeout)
	if err != nil {
		e.log.Warn().Err(err).Str("local", e.local).Msg("local dial failed")
		stream.Close()
		return
	}
	in, out := Join(stream, local)
	e.log.Debug().Msgf("stream closed (sent %s received %s)", sizestr.ToString(in), sizestr.ToString(out))
}
