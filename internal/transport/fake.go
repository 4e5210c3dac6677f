package transport

import (
	"context"
	"errors"
	"sync"
)

// Fake is an in-memory Transport double used by connection-manager tests:
// Connect always succeeds (unless ConnectErr is set), Push feeds
// pre-queued server messages to ReadMessage, and Sent records everything
// WriteMessage is given.
type Fake struct {
	mu         sync.Mutex
	inbound    chan []byte
	closed     bool
	ConnectErr error
	Sent       [][]byte
	Addr       string
}

// NewFake constructs a Fake transport with a buffered inbound queue.
func NewFake() *Fake {
	return &Fake{inbound: make(chan []byte, 64)}
}

// Push queues a message to be returned by the next ReadMessage call,
// simulating an inbound server frame.
func (f *Fake) Push(msg []byte) {
	f.inbound <- msg
}

func (f *Fake) Connect(ctx context.Context, addr string) error {
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Addr = addr
	return nil
}

func (f *Fake) ReadMessage() ([]byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return nil, errors.New("transport: fake connection closed")
	}
	return msg, nil
}

func (f *Fake) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport: fake connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.Sent = append(f.Sent, cp)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

// SentMessages returns a snapshot copy of every message written so far.
func (f *Fake) SentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.Sent))
	copy(out, f.Sent)
	return out
}

var _ Transport = (*Fake)(nil)
var _ Transport = (*WSTransport)(nil)
