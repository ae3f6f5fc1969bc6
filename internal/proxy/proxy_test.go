package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rastry/obsrelay/internal/hooks"
	"github.com/rastry/obsrelay/internal/stats"
	"go.uber.org/goleak"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
	"gotest.tools/poll"
)

// echoOBS echoes every frame back with its original type. A text frame
// "close-me" makes it close the connection with code 4000.
type echoOBS struct {
	server   *httptest.Server
	closed   chan int
	protocol chan string
}

func newEchoOBS(t *testing.T) *echoOBS {
	e := &echoOBS{closed: make(chan int, 16), protocol: make(chan string, 16)}
	upgrader := websocket.Upgrader{Subprotocols: []string{"obswebsocket.json"}}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.protocol <- conn.Subprotocol()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				code := -1
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
				}
				e.closed <- code
				return
			}
			if msgType == websocket.TextMessage && string(data) == "close-me" {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4000, "bye"), time.Now().Add(time.Second))
				conn.ReadMessage()
				e.closed <- 4000
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *echoOBS) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func startProxy(t *testing.T, target string, p *hooks.Pipeline) (*Proxy, string) {
	px := New(Config{Target: target, Hooks: p, DialTimeout: time.Second})
	port, err := px.Start(0)
	assert.NilError(t, err)
	t.Cleanup(func() { px.Stop() })
	return px, fmt.Sprintf("127.0.0.1:%d", port)
}

func dial(t *testing.T, addr string, protocols ...string) *websocket.Conn {
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: time.Second}
	conn, _, err := d.Dial("ws://"+addr+"/", nil)
	assert.NilError(t, err)
	return conn
}

func waitCount(t *testing.T, px *Proxy, want int) {
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if n := px.ConnectionCount(); n != want {
			return poll.Continue("connection count %d, want %d", n, want)
		}
		return poll.Success()
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(5*time.Millisecond))
}

// waitAttached waits until n pairs have their outbound side open, since
// frames sent before the dial completes are dropped.
func waitAttached(t *testing.T, px *Proxy, n int) {
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		px.mu.Lock()
		defer px.mu.Unlock()
		attached := 0
		for _, pr := range px.pairs {
			pr.mu.Lock()
			if pr.outbound != nil {
				attached++
			}
			pr.mu.Unlock()
		}
		if attached != n {
			return poll.Continue("%d pairs attached, want %d", attached, n)
		}
		return poll.Success()
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(5*time.Millisecond))
}

func echo(t *testing.T, conn *websocket.Conn, msg string) {
	assert.NilError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	_, data, err := conn.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, string(data), msg)
}

func TestFramesForwardedInOrder(t *testing.T) {
	obs := newEchoOBS(t)
	px, addr := startProxy(t, obs.url(), nil)

	conn := dial(t, addr)
	defer conn.Close()
	waitAttached(t, px, 1)
	assert.Equal(t, px.ConnectionCount(), 1)

	big := bytes.Repeat([]byte{0xAB, 0x00, 0xFF, 0x10}, 1024)
	frames := []struct {
		msgType int
		data    []byte
	}{
		{websocket.TextMessage, []byte(`{"op":6}`)},
		{websocket.BinaryMessage, big},
		{websocket.TextMessage, []byte("second")},
		{websocket.BinaryMessage, []byte{1, 2, 3}},
	}
	for _, f := range frames {
		assert.NilError(t, conn.WriteMessage(f.msgType, f.data))
	}
	for _, f := range frames {
		msgType, data, err := conn.ReadMessage()
		assert.NilError(t, err)
		assert.Equal(t, msgType, f.msgType)
		assert.Assert(t, bytes.Equal(data, f.data), "frame of %d bytes differs", len(f.data))
	}
}

func TestInboundCloseClosesOutbound(t *testing.T) {
	obs := newEchoOBS(t)
	store := stats.NewStore(10)
	var p hooks.Pipeline
	p.Add(store)
	px, addr := startProxy(t, obs.url(), &p)

	conn := dial(t, addr)
	waitAttached(t, px, 1)
	echo(t, conn, "ping")

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	select {
	case code := <-obs.closed:
		assert.Equal(t, code, websocket.CloseNormalClosure)
	case <-time.After(3 * time.Second):
		t.Fatal("outbound was not closed")
	}
	waitCount(t, px, 0)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		sum := store.Summary()
		if sum.TotalPairs != 1 || sum.ActivePairs != 0 {
			return poll.Continue("summary %+v", sum)
		}
		return poll.Success()
	}, poll.WithTimeout(3*time.Second))
	assert.Assert(t, store.Summary().TotalBytesIn >= 4)
}

func TestOutboundCloseIsForwarded(t *testing.T) {
	obs := newEchoOBS(t)
	px, addr := startProxy(t, obs.url(), nil)

	conn := dial(t, addr)
	defer conn.Close()
	waitAttached(t, px, 1)

	assert.NilError(t, conn.WriteMessage(websocket.TextMessage, []byte("close-me")))
	_, _, err := conn.ReadMessage()
	assert.Assert(t, websocket.IsCloseError(err, 4000), "got %v", err)
	assert.Equal(t, err.(*websocket.CloseError).Text, "bye")
	waitCount(t, px, 0)
}

func TestOutboundDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	target := "ws://" + ln.Addr().String()
	ln.Close()

	px, addr := startProxy(t, target, nil)
	conn := dial(t, addr)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	assert.Assert(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, ce.Code, websocket.CloseInternalServerErr)
	assert.Assert(t, is.Contains(ce.Text, "OBS error: "))
	waitCount(t, px, 0)
}

func TestSubprotocolOffered(t *testing.T) {
	obs := newEchoOBS(t)
	_, addr := startProxy(t, obs.url(), nil)

	conn := dial(t, addr, "obswebsocket.json", "obswebsocket.msgpack")
	defer conn.Close()
	assert.Equal(t, conn.Subprotocol(), "obswebsocket.json")

	select {
	case proto := <-obs.protocol:
		assert.Equal(t, proto, "obswebsocket.json")
	case <-time.After(3 * time.Second):
		t.Fatal("outbound never dialed")
	}
}

func TestHealth(t *testing.T) {
	obs := newEchoOBS(t)
	_, addr := startProxy(t, obs.url(), nil)

	resp, err := http.Get("http://" + addr + "/")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var body map[string]any
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.DeepEqual(t, body, map[string]any{
		"status":      "ok",
		"service":     ServiceName,
		"connections": float64(0),
	})

	resp2, err := http.Get("http://" + addr + "/nope")
	assert.NilError(t, err)
	resp2.Body.Close()
	assert.Equal(t, resp2.StatusCode, http.StatusNotFound)
}

func TestStartTwiceAndAddressInUse(t *testing.T) {
	obs := newEchoOBS(t)
	px, addr := startProxy(t, obs.url(), nil)

	port, err := px.Start(0)
	assert.NilError(t, err)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), addr)

	other := New(Config{Target: obs.url()})
	_, err = other.Start(port)
	assert.Assert(t, errors.Is(err, ErrAddressInUse), "got %v", err)
	assert.NilError(t, other.Stop())
}

func TestStopClosesPairs(t *testing.T) {
	obs := newEchoOBS(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	px := New(Config{Target: obs.url()})
	port, err := px.Start(0)
	assert.NilError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, addr))
	}
	waitAttached(t, px, 3)
	echo(t, conns[0], "ping")
	assert.Equal(t, px.ConnectionCount(), 3)

	assert.NilError(t, px.Stop())
	assert.Equal(t, px.ConnectionCount(), 0)
	assert.Equal(t, px.Port(), 0)

	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := c.ReadMessage()
		assert.Assert(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
		c.Close()
	}
	for i := 0; i < 3; i++ {
		<-obs.closed
	}

	assert.NilError(t, px.Stop())
}

func TestInboundClose(t *testing.T) {
	code, text := inboundClose(&websocket.CloseError{Code: 4001, Text: "kicked"})
	assert.Equal(t, code, 4001)
	assert.Equal(t, text, "kicked")

	code, text = inboundClose(&websocket.CloseError{Code: websocket.CloseNoStatusReceived})
	assert.Equal(t, code, websocket.CloseNormalClosure)
	assert.Equal(t, text, "")

	code, text = inboundClose(errors.New("connection reset"))
	assert.Equal(t, code, websocket.CloseInternalServerErr)
	assert.Equal(t, text, "OBS error: connection reset")

	long := closeReason("OBS error: " + strings.Repeat("é", 100))
	assert.Assert(t, len(long) <= 123)
	assert.Assert(t, is.Contains(long, "OBS error: "))
}
