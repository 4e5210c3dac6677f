package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_ConnectRecordsAddr(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Connect(context.Background(), "ws://example.test/app/key"))
	assert.Equal(t, "ws://example.test/app/key", f.Addr)
}

func TestFake_ConnectErrSurfaces(t *testing.T) {
	f := NewFake()
	f.ConnectErr = assertErr{}
	err := f.Connect(context.Background(), "ws://example.test/")
	assert.ErrorIs(t, err, assertErr{})
}

func TestFake_WriteRecordsMessagesAndReadReturnsPushed(t *testing.T) {
	f := NewFake()
	f.Push([]byte(`{"event":"pusher:connection_established"}`))

	msg, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"pusher:connection_established"}`, string(msg))

	require.NoError(t, f.WriteMessage([]byte(`{"event":"pusher:subscribe"}`)))
	assert.Equal(t, [][]byte{[]byte(`{"event":"pusher:subscribe"}`)}, f.SentMessages())
}

func TestFake_CloseUnblocksPendingRead(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Close())

	_, err := f.ReadMessage()
	assert.Error(t, err)
}

func TestFake_WriteAfterCloseFails(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Close())

	err := f.WriteMessage([]byte("x"))
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "connect failed" }
