package proxy

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
)

// wsConn wraps a WebSocket connection with a write mutex.
// gorilla/websocket does not support concurrent writes.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) writeMessage(msgType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(msgType, data)
}

// close sends a close frame carrying code and text, unless code is zero,
// and then closes the underlying connection.
func (c *wsConn) close(code int, text string) {
	if code != 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second))
	}
	c.conn.Close()
}

// pair is one inbound (tunnel-facing) connection and its outbound
// (OBS-facing) peer.
type pair struct {
	id      uint64
	inbound *wsConn

	mu       sync.Mutex
	outbound *wsConn // nil until the dial completes
	closing  bool

	bytesIn  atomic.Int64 // inbound -> OBS
	bytesOut atomic.Int64 // OBS -> inbound

	once sync.Once
}

func (p *pair) key() string {
	return strconv.FormatUint(p.id, 10)
}

// attach records the dialed outbound connection. It reports false when the
// pair started closing while the dial was in flight.
func (p *pair) attach(out *wsConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return false
	}
	p.outbound = out
	return true
}

// peerOf returns the connection frames read from src are forwarded to, or
// nil if that side is not open.
func (p *pair) peerOf(src *wsConn) *wsConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return nil
	}
	if src == p.inbound {
		return p.outbound
	}
	return p.inbound
}

// teardown closes both sides exactly once. inCode and outCode are the close
// codes sent to each side; zero sends no close frame.
func (p *pair) teardown(inCode int, inText string, outCode int) bool {
	first := false
	p.once.Do(func() {
		first = true
		p.mu.Lock()
		p.closing = true
		out := p.outbound
		p.mu.Unlock()

		p.inbound.close(inCode, inText)
		if out != nil {
			out.close(outCode, "")
		}
	})
	return first
}

func (p *pair) trafficSummary() string {
	return "sent " + sizestr.ToString(p.bytesIn.Load()) + " received " + sizestr.ToString(p.bytesOut.Load())
}

// pump copies frames from src to the pair's other side until src fails.
// Frames read while the other side is not open are dropped.
func (p *pair) pump(src *wsConn, counter *atomic.Int64) error {
	for {
		msgType, data, err := src.conn.ReadMessage()
		if err != nil {
			return err
		}
		dst := p.peerOf(src)
		if dst == nil {
			continue
		}
		if err := dst.writeMessage(msgType, data); err != nil {
			// The peer's own read loop reports its failure.
			continue
		}
		counter.Add(int64(len(data)))
	}
}
