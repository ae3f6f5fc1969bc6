package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rastry/obsrelay/internal/hooks"
	"github.com/rastry/obsrelay/internal/types"
)

// client is one connected relay client.
type client struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex

	alive   atomic.Bool // set on pong, cleared before each ping
	closing atomic.Bool
}

func (c *client) writeMessage(msgType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

func (c *client) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *client) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	ctx, ok := g.track()
	if !ok {
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	// Hello goes out before the client can receive broadcasts.
	if err := c.writeJSON(types.NewHello()); err != nil {
		g.log.Debug().Err(err).Msg("hello not delivered")
		conn.Close()
		return
	}
	if !g.register(c) {
		c.closeWith(websocket.CloseNormalClosure, shutdownText)
		return
	}
	log := g.log.With().Str("client", c.id).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("relay client connected")
	g.cfg.Hooks.NotifyConnect(hooks.KindRelayClient, c.id)

	err = g.serveClient(ctx, c)

	g.remove(c)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		err = nil
	}
	log.Info().Err(err).Msg("relay client disconnected")
	g.cfg.Hooks.NotifyDisconnect(hooks.KindRelayClient, c.id, err)
}

func (g *Gateway) track() (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv == nil {
		return nil, false
	}
	g.wg.Add(1)
	return g.ctx, true
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv == nil {
		return false
	}
	g.clients[c] = struct{}{}
	return true
}

func (g *Gateway) remove(c *client) {
	c.closing.Store(true)
	c.conn.Close()
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// serveClient processes the client's frames until the connection fails.
// Requests are accepted before Identify.
func (g *Gateway) serveClient(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := types.ParseInbound(data)
		if err != nil {
			g.log.Warn().Err(err).Str("client", c.id).Msg("rejected frame")
			continue
		}

		switch m := msg.(type) {
		case *types.IdentifyMessage:
			if err := c.writeJSON(types.NewIdentified()); err != nil {
				return err
			}
		case *types.RequestMessage:
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.handleRequest(ctx, c, m)
			}()
		}
	}
}

// handleRequest forwards one request upstream and replies in the shape the
// request arrived in.
func (g *Gateway) handleRequest(ctx context.Context, c *client, m *types.RequestMessage) {
	start := time.Now()
	data, err := g.call(ctx, m)
	g.cfg.Hooks.NotifyRequest(m.RequestType, time.Since(start), err)
	if err != nil {
		g.log.Debug().Err(err).Str("client", c.id).Str("requestType", m.RequestType).Msg("request failed")
	}

	if c.closing.Load() {
		return
	}
	if err := c.writeJSON(m.Response(data, err)); err != nil {
		g.log.Debug().Err(err).Str("client", c.id).Msg("response not delivered")
	}
}

func (g *Gateway) call(ctx context.Context, m *types.RequestMessage) (json.RawMessage, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	up := g.cfg.Upstream
	if up == nil || !up.Ready() {
		return nil, errNotConnected
	}
	return up.Call(ctx, m.RequestType, m.RequestData)
}
