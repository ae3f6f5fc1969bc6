// Package gateway serves the obs-websocket request/event protocol to many
// relay clients on top of a single shared upstream OBS session.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/config"
	"github.com/rastry/obsrelay/internal/hooks"
	"github.com/rastry/obsrelay/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat = 30 * time.Second
	writeTimeout     = 10 * time.Second
	subprotocol      = "obswebsocket.json"
	shutdownText     = "Server shutdown"
)

var (
	ErrAddressInUse = errors.New("address already in use")
	errNotConnected = errors.New("OBS not connected")
)

// ForwardedEvents are the upstream events pushed to every relay client.
var ForwardedEvents = []string{
	"CurrentProgramSceneChanged",
	"SceneItemEnableStateChanged",
	"SceneItemLockStateChanged",
	"StreamStateChanged",
	"RecordStateChanged",
	"InputVolumeChanged",
	"InputMuteStateChanged",
}

// Upstream is the shared OBS session. Call must be safe for concurrent use.
type Upstream interface {
	Ready() bool
	Call(ctx context.Context, requestType string, requestData json.RawMessage) (json.RawMessage, error)
	Subscribe(eventTypes ...string) (<-chan types.Event, func())
}

type Config struct {
	// DefaultPort is used when Start is given a port outside the allowed range.
	DefaultPort int
	// Host is the interface to bind; empty listens on all of them so that
	// remote clients can connect.
	Host              string
	HeartbeatInterval time.Duration
	Upstream          Upstream
	Hooks             *hooks.Pipeline
}

type Status struct {
	Running     bool   `json:"running"`
	Port        int    `json:"port"`
	Addr        string `json:"addr,omitempty"`
	ClientCount int    `json:"clients"`
}

type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	srv     *http.Server
	port    int
	addr    string
	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
	clients map[*client]struct{}

	wg sync.WaitGroup
}

func New(cfg Config) *Gateway {
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = config.DefaultRelayPort
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeat
	}
	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		log:     log.With().Str("component", "gateway").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Start listens on customPort when it is a valid relay port, otherwise on
// the configured default. A running gateway returns its bound port.
func (g *Gateway) Start(customPort int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv != nil {
		return g.port, nil
	}

	port := g.cfg.DefaultPort
	if config.ValidRelayPort(customPort) {
		port = customPort
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(g.cfg.Host, fmt.Sprint(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return 0, errors.Wrapf(ErrAddressInUse, "port %d", port)
		}
		return 0, errors.Wrap(err, "listen")
	}

	g.srv = &http.Server{Handler: g, ReadHeaderTimeout: 10 * time.Second}
	g.port = ln.Addr().(*net.TCPAddr).Port
	g.addr = ln.Addr().String()
	g.ctx, g.cancel = context.WithCancel(context.Background())

	srv, ctx := g.srv, g.ctx
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("gateway server failed")
		}
	}()
	go func() {
		defer g.wg.Done()
		g.heartbeat(ctx)
	}()

	if up := g.cfg.Upstream; up != nil {
		events, unsub := up.Subscribe(ForwardedEvents...)
		g.unsub = unsub
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.forwardEvents(ctx, events)
		}()
	}

	g.log.Info().Str("addr", g.addr).Msg("relay started")
	return g.port, nil
}

// Stop sends every client a shutdown notice, closes their sockets and the
// listener, and waits for the gateway's goroutines. It is a no-op when the
// gateway is not running.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	srv := g.srv
	if srv == nil {
		g.mu.Unlock()
		return nil
	}
	g.srv = nil
	g.port = 0
	g.addr = ""
	clients := g.snapshotLocked()
	g.clients = make(map[*client]struct{})
	for _, c := range clients {
		c.closing.Store(true)
	}
	g.cancel()
	if g.unsub != nil {
		g.unsub()
		g.unsub = nil
	}
	g.mu.Unlock()

	notice := types.NewShutdownNotice()
	for _, c := range clients {
		if err := c.writeJSON(notice); err != nil {
			g.log.Debug().Err(err).Str("client", c.id).Msg("shutdown notice not delivered")
		}
		c.closeWith(websocket.CloseNormalClosure, shutdownText)
	}

	err := srv.Close()
	g.wg.Wait()

	g.log.Info().Int("clients", len(clients)).Msg("relay stopped")
	return errors.Wrap(err, "close listener")
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Running: g.srv != nil, Port: g.port, Addr: g.addr, ClientCount: len(g.clients)}
}

// BroadcastEvent sends ev to every connected client. A failed send closes
// that client only.
func (g *Gateway) BroadcastEvent(ev types.Event) {
	data, err := json.Marshal(types.NewEventFrame(ev))
	if err != nil {
		g.log.Error().Err(err).Str("event", ev.EventType).Msg("encode event")
		return
	}

	g.mu.Lock()
	clients := g.snapshotLocked()
	g.mu.Unlock()

	for _, c := range clients {
		if c.closing.Load() {
			continue
		}
		if err := c.writeMessage(websocket.TextMessage, data); err != nil {
			g.log.Debug().Err(err).Str("client", c.id).Str("event", ev.EventType).Msg("event send failed")
			c.conn.Close()
		}
	}
}

func (g *Gateway) snapshotLocked() []*client {
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	return clients
}

func (g *Gateway) forwardEvents(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.BroadcastEvent(ev)
		}
	}
}

// heartbeat terminates clients that did not answer the previous ping and
// pings the rest.
func (g *Gateway) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		clients := g.snapshotLocked()
		g.mu.Unlock()

		for _, c := range clients {
			if !c.alive.Swap(false) {
				g.log.Info().Str("client", c.id).Msg("client missed heartbeat, terminating")
				c.conn.Close()
				continue
			}
			if err := c.ping(); err != nil {
				g.log.Debug().Err(err).Str("client", c.id).Msg("ping failed")
			}
		}
	}
}
