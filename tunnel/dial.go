package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"

	"nhooyr.io/websocket"
)

// Dial connects to a tunnel server.
// addr is either a Unix socket path or a ws:// or wss:// URL.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		wsConn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", addr, err)
		}
		wsConn.SetReadLimit(headerSize + MaxFrameSize + trailerSize)
		// the conn outlives the dial context, so it gets its own
		return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing unix socket %s: %w", addr, err)
	}
	return conn, nil
}
