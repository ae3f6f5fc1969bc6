// Package proxy forwards tunnel-side WebSocket connections verbatim to the
// local OBS control socket, one outbound connection per inbound one.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/hooks"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const ServiceName = "obsrelay proxy"

var ErrAddressInUse = errors.New("address already in use")

type Config struct {
	// Target is the OBS WebSocket URL every inbound connection is paired with.
	Target      string
	Host        string
	DialTimeout time.Duration
	Hooks       *hooks.Pipeline
}

type Proxy struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.Mutex
	srv    *http.Server
	port   int
	ctx    context.Context
	cancel context.CancelFunc
	pairs  map[uint64]*pair
	nextID uint64

	wg sync.WaitGroup
}

func New(cfg Config) *Proxy {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Proxy{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   log.With().Str("component", "proxy").Logger(),
		pairs: make(map[uint64]*pair),
	}
}

// Start listens on port (0 picks an ephemeral port) and returns the bound
// port. Calling Start on a running proxy returns the port already bound.
func (p *Proxy) Start(port int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return p.port, nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(p.cfg.Host, fmt.Sprint(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return 0, errors.Wrapf(ErrAddressInUse, "port %d", port)
		}
		return 0, errors.Wrap(err, "listen")
	}

	p.srv = &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second}
	p.port = ln.Addr().(*net.TCPAddr).Port
	p.ctx, p.cancel = context.WithCancel(context.Background())

	srv := p.srv
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error().Err(err).Msg("proxy server failed")
		}
	}()

	p.log.Info().Int("port", p.port).Str("target", p.cfg.Target).Msg("proxy started")
	return p.port, nil
}

// Stop closes the listener and every pair, and returns once all connection
// goroutines have exited. It is a no-op when the proxy is not running.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	srv := p.srv
	if srv == nil {
		p.mu.Unlock()
		return nil
	}
	p.srv = nil
	p.port = 0
	p.cancel()
	pairs := make([]*pair, 0, len(p.pairs))
	for _, pr := range p.pairs {
		pairs = append(pairs, pr)
	}
	p.pairs = make(map[uint64]*pair)
	p.mu.Unlock()

	err := srv.Close()
	for _, pr := range pairs {
		p.finish(pr, websocket.CloseGoingAway, "Proxy stopped", websocket.CloseNormalClosure, nil)
	}
	p.wg.Wait()

	p.log.Info().Int("pairs", len(pairs)).Msg("proxy stopped")
	return errors.Wrap(err, "close listener")
}

// ConnectionCount returns the number of live pairs.
func (p *Proxy) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pairs)
}

// Port returns the bound port, or 0 when stopped.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		p.serveHealth(w, r)
		return
	}

	ctx, ok := p.track()
	if !ok {
		http.Error(w, "proxy stopped", http.StatusServiceUnavailable)
		return
	}
	defer p.wg.Done()

	// Echo the client's preferred subprotocol and offer the same one to OBS.
	var respHeader http.Header
	protocols := websocket.Subprotocols(r)
	if len(protocols) > 0 {
		protocols = protocols[:1]
		respHeader = http.Header{"Sec-Websocket-Protocol": protocols}
	}

	conn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		p.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	pr := &pair{inbound: &wsConn{conn: conn}}
	if !p.register(pr) {
		conn.Close()
		return
	}
	p.log.Debug().Str("pair", pr.key()).Str("remote", r.RemoteAddr).Msg("pair opened")
	p.cfg.Hooks.NotifyConnect(hooks.KindPair, pr.key())

	p.wg.Add(1)
	go p.dialOutbound(ctx, pr, protocols)

	err = pr.pump(pr.inbound, &pr.bytesIn)
	p.finish(pr, 0, "", websocket.CloseNormalClosure, err)
}

// track reserves a slot in the wait group for a connection handler. It
// fails once Stop has begun.
func (p *Proxy) track() (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv == nil {
		return nil, false
	}
	p.wg.Add(1)
	return p.ctx, true
}

func (p *Proxy) register(pr *pair) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv == nil {
		return false
	}
	p.nextID++
	pr.id = p.nextID
	p.pairs[pr.id] = pr
	return true
}

func (p *Proxy) dialOutbound(ctx context.Context, pr *pair, protocols []string) {
	defer p.wg.Done()

	dialer := websocket.Dialer{
		HandshakeTimeout: p.cfg.DialTimeout,
		Subprotocols:     protocols,
	}
	conn, _, err := dialer.DialContext(ctx, p.cfg.Target, nil)
	if err != nil {
		p.finish(pr, websocket.CloseInternalServerErr, closeReason("OBS error: "+err.Error()), 0, err)
		return
	}

	out := &wsConn{conn: conn}
	if !pr.attach(out) {
		conn.Close()
		return
	}

	err = pr.pump(out, &pr.bytesOut)
	code, text := inboundClose(err)
	p.finish(pr, code, text, 0, err)
}

// finish tears the pair down and removes it from the registry. Only the
// first call for a pair has any effect.
func (p *Proxy) finish(pr *pair, inCode int, inText string, outCode int, cause error) {
	if !pr.teardown(inCode, inText, outCode) {
		return
	}

	p.mu.Lock()
	if p.pairs[pr.id] == pr {
		delete(p.pairs, pr.id)
	}
	p.mu.Unlock()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		cause = nil
	}
	p.log.Debug().Err(cause).Str("pair", pr.key()).Str("traffic", pr.trafficSummary()).Msg("pair closed")
	p.cfg.Hooks.NotifyTraffic(pr.key(), pr.bytesIn.Load(), pr.bytesOut.Load())
	p.cfg.Hooks.NotifyDisconnect(hooks.KindPair, pr.key(), cause)
}

// inboundClose maps the reason the OBS side ended to the close frame sent to
// the tunnel side. An orderly close from OBS is passed through as is.
func inboundClose(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.CloseNormalClosure, ""
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return ce.Code, closeReason(ce.Text)
		}
	}
	return websocket.CloseInternalServerErr, closeReason("OBS error: " + err.Error())
}

// closeReason trims s to fit a close frame payload.
func closeReason(s string) string {
	const maxLen = 123
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func (p *Proxy) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"service":     ServiceName,
		"connections": p.ConnectionCount(),
	})
}
