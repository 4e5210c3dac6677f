package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinrt/channels-go/internal/codec"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []codec.Frame
}

func (f *fakeSender) Send(frame codec.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) last() codec.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

type fakeAuthorizer struct {
	result AuthResult
	err    error
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, channelName string, userData json.RawMessage) (AuthResult, error) {
	return f.result, f.err
}

func TestSubscribe_PublicChannelSendsNoAuth(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)

	c, err := m.Subscribe(context.Background(), "public-room", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "public-room", c.Name)
	assert.Equal(t, "pusher:subscribe", sender.last().Event)
}

func TestSubscribe_IsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)

	c1, err := m.Subscribe(context.Background(), "public-room", nil, nil)
	require.NoError(t, err)
	c2, err := m.Subscribe(context.Background(), "public-room", nil, nil)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Len(t, sender.frames, 1, "a second Subscribe must not re-send the subscribe frame")
}

func TestSubscribe_PrivateChannelRequiresAuthorizer(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)

	_, err := m.Subscribe(context.Background(), "private-room", nil, nil)
	require.Error(t, err)
}

func TestSubscribe_PrivateChannelUsesAuthResult(t *testing.T) {
	sender := &fakeSender{}
	auth := &fakeAuthorizer{result: AuthResult{Auth: "key:abc123"}}
	m := NewManager(auth, sender, zerolog.Nop(), nil)

	_, err := m.Subscribe(context.Background(), "private-room", nil, nil)
	require.NoError(t, err)

	var data struct {
		Auth string `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(sender.last().Data, &data))
	assert.Equal(t, "key:abc123", data.Auth)
}

func TestSubscribe_AuthorizationFailureDropsChannel(t *testing.T) {
	sender := &fakeSender{}
	auth := &fakeAuthorizer{err: errors.New("boom")}
	m := NewManager(auth, sender, zerolog.Nop(), nil)

	_, err := m.Subscribe(context.Background(), "private-room", nil, nil)
	require.Error(t, err)

	_, ok := m.Get("private-room")
	assert.False(t, ok)
}

func TestHandleInternalEvent_SubscriptionSucceeded(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)
	c, err := m.Subscribe(context.Background(), "public-room", nil, nil)
	require.NoError(t, err)

	var received codec.Frame
	c.Bind("pusher:subscription_succeeded", func(f codec.Frame) { received = f })

	m.HandleInternalEvent(codec.Frame{Event: "pusher_internal:subscription_succeeded", Channel: "public-room"})

	assert.True(t, c.Subscribed())
	assert.Equal(t, "pusher:subscription_succeeded", received.Event)
}

func TestHandleInternalEvent_PresenceRosterLifecycle(t *testing.T) {
	sender := &fakeSender{}
	auth := &fakeAuthorizer{result: AuthResult{Auth: "key:abc", ChannelData: []byte(`{"user_id":"me"}`)}}
	m := NewManager(auth, sender, zerolog.Nop(), nil)

	c, err := m.Subscribe(context.Background(), "presence-room", nil, []byte(`{"user_id":"me"}`))
	require.NoError(t, err)

	success := `{"presence":{"ids":["u1","u2"],"hash":{"u1":{"name":"A"},"u2":{"name":"B"}},"count":2}}`
	m.HandleInternalEvent(codec.Frame{Event: "pusher_internal:subscription_succeeded", Channel: "presence-room", Data: json.RawMessage(success)})

	members := c.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)

	m.HandleInternalEvent(codec.Frame{Event: "pusher_internal:member_added", Channel: "presence-room", Data: json.RawMessage(`{"user_id":"u3","user_info":{"name":"C"}}`)})
	m.HandleInternalEvent(codec.Frame{Event: "pusher_internal:member_removed", Channel: "presence-room", Data: json.RawMessage(`{"user_id":"u1"}`)})

	members = c.Members()
	require.Len(t, members, 2)
	ids := []string{members[0].UserID, members[1].UserID}
	assert.ElementsMatch(t, []string{"u2", "u3"}, ids)
}

func TestUnsubscribe_SendsFrameAndForgetsChannel(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)
	_, err := m.Subscribe(context.Background(), "public-room", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe("public-room"))
	assert.Equal(t, "pusher:unsubscribe", sender.last().Event)

	_, ok := m.Get("public-room")
	assert.False(t, ok)
}

func TestResubscribeAll_ReissuesSubscribeForEachIntent(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(nil, sender, zerolog.Nop(), nil)
	_, err := m.Subscribe(context.Background(), "public-a", nil, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), "public-b", nil, nil)
	require.NoError(t, err)

	m.ResubscribeAll(context.Background())

	assert.Len(t, sender.frames, 4)
}
