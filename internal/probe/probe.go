// Package probe checks that the local control-plane socket accepts
// WebSocket connections.
package probe

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 3 * time.Second

// CheckReachable opens a short-lived WebSocket connection to endpoint and
// reports whether it opened within timeout. It never returns an error: any
// failure, including a cancelled ctx, is reported as false.
func CheckReachable(ctx context.Context, endpoint string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("control plane unreachable")
		return false
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	return true
}
