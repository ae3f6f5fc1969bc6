package tunnelserver

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rastry/obsrelay/internal/tunnel"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

const testDomain = "tunnel.test"

func newRegistry(t *testing.T) *Registry {
	db, err := OpenDB("sqlite", filepath.Join(t.TempDir(), "tunnels.db"))
	assert.NilError(t, err)
	return NewRegistry(db)
}

func startServer(t *testing.T, reg *Registry, allowed ...string) *Server {
	srv := New(Config{
		ControlAddr:   "127.0.0.1:0",
		PublicAddr:    "127.0.0.1:0",
		Domain:        testDomain,
		Scheme:        "http",
		AllowedTokens: allowed,
	}, reg)
	assert.NilError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func provider(srv *Server, allowIPs ...string) *tunnel.YamuxProvider {
	return tunnel.NewYamuxProvider(tunnel.YamuxConfig{
		ServerAddr:    srv.ControlAddr(),
		MaxAttempts:   1,
		ClientVersion: "test",
		AllowIPs:      allowIPs,
	})
}

// backend is the local service being exposed. It answers plain requests
// with its path and echoes WebSocket frames.
func backend(t *testing.T) (*httptest.Server, int) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				mt, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, data); err != nil {
					return
				}
			}
		}
		fmt.Fprintf(w, "local %s", r.URL.Path)
	}))
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())
	return ts, port
}

func publicGet(t *testing.T, srv *Server, host, path string) *http.Response {
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodGet, "http://"+srv.PublicAddr()+path, nil)
	assert.NilError(t, err)
	req.Host = host
	resp, err := client.Do(req)
	assert.NilError(t, err)
	return resp
}

func hostOf(t *testing.T, rawURL string) string {
	u, err := url.Parse(rawURL)
	assert.NilError(t, err)
	return u.Host
}

func TestTunnelRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg)
	_, port := backend(t)

	ep, err := provider(srv).Open(context.Background(), port, "tok")
	assert.NilError(t, err)
	defer ep.Close()

	host := hostOf(t, ep.URL())
	assert.Assert(t, len(host) == 8+1+len(testDomain), host)
	assert.Equal(t, tunnel.SecureWebSocketURL(ep.URL()), "wss://"+host)

	resp := publicGet(t, srv, host, "/status")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, string(body), "local /status")

	active, err := reg.Active(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(active), 1)
	row := active[0]
	assert.Equal(t, row.URL, ep.URL())
	sum := sha256.Sum256([]byte("tok"))
	assert.Equal(t, row.TokenHash, hex.EncodeToString(sum[:]))
	var meta Metadata
	assert.NilError(t, json.Unmarshal(row.Metadata, &meta))
	assert.DeepEqual(t, meta, Metadata{ClientVersion: "test", LocalPort: port})

	ep.Close()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		got, err := reg.Get(context.Background(), row.ID)
		if err != nil {
			return poll.Error(err)
		}
		if got.Active || got.ClosedAt == nil {
			return poll.Continue("tunnel still active")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))

	resp = publicGet(t, srv, host, "/")
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestWebSocketThroughTunnel(t *testing.T) {
	srv := startServer(t, newRegistry(t))
	_, port := backend(t)

	ep, err := provider(srv).Open(context.Background(), port, "tok")
	assert.NilError(t, err)
	defer ep.Close()

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial("tcp", srv.PublicAddr())
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial("ws://"+hostOf(t, ep.URL())+"/", nil)
	assert.NilError(t, err)
	defer conn.Close()

	for _, msg := range []string{"one", "two", "three"} {
		assert.NilError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, data, err := conn.ReadMessage()
		assert.NilError(t, err)
		assert.Equal(t, string(data), msg)
	}
}

func TestRefusedToken(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg, "good")

	_, err := provider(srv).Open(context.Background(), 1234, "bad")
	assert.ErrorContains(t, err, "tunnel server refused: invalid auth token")

	_, err = provider(srv).Open(context.Background(), 1234, "")
	assert.ErrorContains(t, err, "invalid auth token")

	ep, err := provider(srv).Open(context.Background(), 1234, "good")
	assert.NilError(t, err)
	ep.Close()

	active, err := reg.Active(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, len(active) <= 1)
}

func TestAllowIPs(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg)
	_, port := backend(t)

	open, err := provider(srv, "127.0.0.0/8").Open(context.Background(), port, "tok")
	assert.NilError(t, err)
	defer open.Close()
	resp := publicGet(t, srv, hostOf(t, open.URL()), "/ok")
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	closed, err := provider(srv, "10.1.2.3", "192.168.0.0/16").Open(context.Background(), port, "tok")
	assert.NilError(t, err)
	defer closed.Close()
	resp = publicGet(t, srv, hostOf(t, closed.URL()), "/ok")
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusForbidden)

	active, err := reg.Active(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(active), 2)
	for _, row := range active {
		if row.URL != closed.URL() {
			continue
		}
		var meta Metadata
		assert.NilError(t, json.Unmarshal(row.Metadata, &meta))
		assert.DeepEqual(t, meta.AllowIPs, []string{"10.1.2.3/32", "192.168.0.0/16"})
	}

	_, err = provider(srv, "not-an-ip").Open(context.Background(), port, "tok")
	assert.ErrorContains(t, err, `invalid allow-ip "not-an-ip"`)
}

func TestUnknownHost(t *testing.T) {
	srv := startServer(t, newRegistry(t))

	conn, err := net.Dial("tcp", srv.PublicAddr())
	assert.NilError(t, err)
	defer conn.Close()
	fmt.Fprint(conn, "GET / HTTP/1.1\r\nHost: nope.tunnel.test\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	assert.NilError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
	assert.Equal(t, string(body), "Tunnel nope.tunnel.test not found\n")
}

func TestCloseEndsSessions(t *testing.T) {
	srv := startServer(t, newRegistry(t))
	_, port := backend(t)

	ep, err := provider(srv).Open(context.Background(), port, "tok")
	assert.NilError(t, err)
	defer ep.Close()

	assert.NilError(t, srv.Close())
	select {
	case <-ep.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session survived server close")
	}
	assert.NilError(t, srv.Close())
}

func TestStartDeactivatesStaleTunnels(t *testing.T) {
	reg := newRegistry(t)
	assert.NilError(t, reg.Create(context.Background(), &Tunnel{ID: "stale", Subdomain: "deadbeef", Active: true}))

	startServer(t, reg)

	active, err := reg.Active(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(active), 0)
	got, err := reg.Get(context.Background(), "stale")
	assert.NilError(t, err)
	assert.Assert(t, got.ClosedAt != nil)
}

func TestSubdomain(t *testing.T) {
	s := New(Config{Domain: "Tunnel.Test"}, nil)
	for host, want := range map[string]string{
		"abc.tunnel.test":       "abc",
		"ABC.tunnel.test:443":   "abc",
		"abc.tunnel.test.":      "abc",
		"a.b.tunnel.test":       "",
		"tunnel.test":           "",
		"abc.other.test":        "",
		"[::1]:80":              "",
		"abc.tunnel.test.evil.": "",
	} {
		got, ok := s.subdomain(host)
		assert.Equal(t, got, want, host)
		assert.Equal(t, ok, want != "", host)
	}

	bare := New(Config{}, nil)
	got, ok := bare.subdomain("abc.anything.example:8080")
	assert.Assert(t, ok)
	assert.Equal(t, got, "abc")
}

func TestAdminListing(t *testing.T) {
	reg := newRegistry(t)
	srv := New(Config{
		ControlAddr: "127.0.0.1:0",
		PublicAddr:  "127.0.0.1:0",
		AdminAddr:   "127.0.0.1:0",
		Domain:      testDomain,
		Scheme:      "http",
	}, reg)
	assert.NilError(t, srv.Start(context.Background()))
	defer srv.Close()

	ep, err := provider(srv, "10.0.0.0/8").Open(context.Background(), 4321, "secret")
	assert.NilError(t, err)
	defer ep.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + srv.AdminAddr() + path)
		assert.NilError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/tunnels")
	assert.Equal(t, code, http.StatusOK)
	var list struct {
		Tunnels []tunnelJSON `json:"tunnels"`
	}
	assert.NilError(t, json.Unmarshal([]byte(body), &list))
	assert.Equal(t, len(list.Tunnels), 1)
	got := list.Tunnels[0]
	assert.Equal(t, got.URL, ep.URL())
	assert.Assert(t, got.Active)
	assert.DeepEqual(t, got.Metadata, Metadata{ClientVersion: "test", LocalPort: 4321, AllowIPs: []string{"10.0.0.0/8"}})
	sum := sha256.Sum256([]byte("secret"))
	assert.Assert(t, !strings.Contains(body, hex.EncodeToString(sum[:])))

	code, body = get("/tunnels/" + got.ID)
	assert.Equal(t, code, http.StatusOK)
	var one tunnelJSON
	assert.NilError(t, json.Unmarshal([]byte(body), &one))
	assert.Equal(t, one.Subdomain, got.Subdomain)

	code, _ = get("/tunnels/missing")
	assert.Equal(t, code, http.StatusNotFound)

	assert.Equal(t, startServer(t, newRegistry(t)).AdminAddr(), "")
}

func TestOpenDBUnsupported(t *testing.T) {
	_, err := OpenDB("oracle", "")
	assert.ErrorContains(t, err, `unsupported database driver "oracle"`)
}
