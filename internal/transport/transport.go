// Package transport defines the duplex byte-stream abstraction the
// connection manager drives (spec §1: "the stream transport... any
// reliable message-framed duplex byte stream suffices"). The concrete
// implementation in wsutil_transport.go is grounded on gobwas/ws; tests
// exercise the connection manager against an in-memory fake satisfying
// the same interface.
package transport

import "context"

// Transport is a single message-framed WebSocket-like connection. One
// transport instance represents one connection attempt; a reconnect
// creates a new instance.
type Transport interface {
	// Connect dials addr and blocks until the connection is established
	// or ctx is done.
	Connect(ctx context.Context, addr string) error

	// ReadMessage blocks for the next complete text message. It returns
	// an error (typically wrapping io.EOF or a close frame) when the
	// peer closes the connection.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete text message.
	WriteMessage(data []byte) error

	// Close tears down the underlying connection.
	Close() error
}
