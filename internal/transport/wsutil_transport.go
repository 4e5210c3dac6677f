package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSTransport is the gobwas/ws-backed Transport (grounded on the teacher's
// wsutil-based read/write pumps, adapted from server-side framing to the
// client side: masked writes, unmasked reads, and a client-side close
// handshake).
type WSTransport struct {
	conn  net.Conn
	state ws.State
}

// NewWSTransport constructs an unconnected transport; call Connect before
// any read or write.
func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Connect implements Transport.
func (t *WSTransport) Connect(ctx context.Context, addr string) error {
	conn, _, _, err := ws.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	t.conn = conn
	t.state = ws.StateClientSide
	return nil
}

// ReadMessage implements Transport. Control frames (ping/pong/close) are
// handled transparently via wsutil's control-frame handler; only text and
// binary data payloads are returned to the caller.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(t.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return data, nil
		case ws.OpClose:
			return nil, fmt.Errorf("transport: connection closed by peer")
		case ws.OpPing, ws.OpPong:
			// wsutil.ReadServerData already answers pings internally via
			// its default control handler; nothing further to do.
			continue
		default:
			continue
		}
	}
}

// WriteMessage implements Transport.
func (t *WSTransport) WriteMessage(data []byte) error {
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, nil)
	return t.conn.Close()
}
