package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// serveOneEcho accepts a single connection, performs the server-side
// handshake, echoes back every client frame it receives, and closes when
// the client sends a close frame.
func serveOneEcho(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := ws.Upgrade(conn); err != nil {
		return
	}

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			_ = wsutil.WriteServerMessage(conn, op, data)
		case ws.OpClose:
			return
		}
	}
}

func TestWSTransport_ConnectWriteReadClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOneEcho(t, ln)
	}()

	tr := NewWSTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := "ws://" + ln.Addr().String() + "/"
	require.NoError(t, tr.Connect(ctx, addr))

	require.NoError(t, tr.WriteMessage([]byte(`{"event":"ping"}`)))

	msg, err := tr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"event":"ping"}`, string(msg))

	require.NoError(t, tr.Close())
	<-done
}

func TestWSTransport_ConnectFailsOnUnreachableAddr(t *testing.T) {
	tr := NewWSTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := tr.Connect(ctx, "ws://127.0.0.1:1/")
	require.Error(t, err)
}
