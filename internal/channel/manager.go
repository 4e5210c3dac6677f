package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/codec"
	"github.com/odinrt/channels-go/internal/filter"
	"github.com/odinrt/channels-go/internal/types"
)

// AuthResult is what an Authorizer returns for a channel requiring
// authorization (spec §4.3): the signed auth string, optional channel_data
// (required for presence), and optional shared_secret (encrypted channels).
type AuthResult struct {
	Auth         string
	ChannelData  []byte
	SharedSecret []byte
}

// Authorizer performs the auth round-trip for private/presence/encrypted
// channels. Implemented by internal/auth; declared here as a small
// interface so this package stays decoupled from the HTTP client details.
type Authorizer interface {
	Authorize(ctx context.Context, channelName string, userData json.RawMessage) (AuthResult, error)
}

// Sender transmits a frame over the current connection. Subscribe blocks
// until the frame is handed off, not until the server acknowledges it.
type Sender interface {
	Send(frame codec.Frame) error
}

type intent struct {
	filter   *filter.Node
	userData json.RawMessage
}

// Manager owns the channel-name -> Channel mapping and the subscription
// FSM (spec §4.7).
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	intents  map[string]intent

	authorizer Authorizer
	sender     Sender
	logger     zerolog.Logger
	onPanic    func(event string, value any)
}

// NewManager constructs an empty channel manager. sender is used to emit
// subscribe/unsubscribe frames; it may be nil at construction and set
// later via SetSender.
func NewManager(authorizer Authorizer, sender Sender, logger zerolog.Logger, onPanic func(event string, value any)) *Manager {
	return &Manager{
		channels:   make(map[string]*Channel),
		intents:    make(map[string]intent),
		authorizer: authorizer,
		sender:     sender,
		logger:     logger,
		onPanic:    onPanic,
	}
}

// SetSender rebinds the frame sender. The client facade calls it once,
// after constructing the connection manager that serves as the sender.
func (m *Manager) SetSender(sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = sender
}

// Get returns the channel by name, if it exists.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// subscribeFrameData is the data payload of an outbound pusher:subscribe frame.
type subscribeFrameData struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
	Filter      *filter.Node    `json:"filter,omitempty"`
}

// Subscribe is idempotent: subscribing to an already-known channel returns
// the existing Channel without re-issuing a subscribe frame (spec §4.7).
// For channel types that require authorization, it blocks on the auth
// round-trip (bounded by ctx) before sending the subscribe frame.
func (m *Manager) Subscribe(ctx context.Context, name string, filterNode *filter.Node, userData json.RawMessage) (*Channel, error) {
	m.mu.Lock()
	if existing, ok := m.channels[name]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	c := New(name, filterNode, m.logger, m.onPanic)
	m.channels[name] = c
	m.intents[name] = intent{filter: filterNode, userData: userData}
	sender := m.sender
	m.mu.Unlock()

	if err := m.sendSubscribe(ctx, c, sender, userData); err != nil {
		m.mu.Lock()
		delete(m.channels, name)
		delete(m.intents, name)
		m.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (m *Manager) sendSubscribe(ctx context.Context, c *Channel, sender Sender, userData json.RawMessage) error {
	data := subscribeFrameData{Channel: c.Name, Filter: c.Filter()}

	if c.Type.RequiresAuth() {
		if m.authorizer == nil {
			return fmt.Errorf("channel %q requires authorization but no authorizer is configured", c.Name)
		}
		result, err := m.authorizer.Authorize(ctx, c.Name, userData)
		if err != nil {
			return err
		}
		data.Auth = result.Auth
		data.ChannelData = result.ChannelData
		if c.Type == types.ChannelPrivateEncrypted {
			c.SetSharedSecret(result.SharedSecret)
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if sender == nil {
		return fmt.Errorf("channel %q: no active connection to send subscribe frame on", c.Name)
	}
	return sender.Send(codec.Frame{Event: "pusher:subscribe", Data: raw})
}

// Unsubscribe sends pusher:unsubscribe, drops the channel's state, and
// forgets the re-subscribe intent.
func (m *Manager) Unsubscribe(name string) error {
	m.mu.Lock()
	_, ok := m.channels[name]
	sender := m.sender
	delete(m.channels, name)
	delete(m.intents, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if sender == nil {
		return nil
	}
	raw, err := json.Marshal(struct {
		Channel string `json:"channel"`
	}{Channel: name})
	if err != nil {
		return err
	}
	return sender.Send(codec.Frame{Event: "pusher:unsubscribe", Data: raw})
}

// ResubscribeAll re-issues the subscribe flow for every channel the user
// has asked to be subscribed to, in its original configuration (spec §4.7:
// "every intent-subscribed channel is re-subscribed... presence rosters
// are cleared and rebuilt from the server's fresh success message").
func (m *Manager) ResubscribeAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.intents))
	for name := range m.intents {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.mu.RLock()
		c, ok := m.channels[name]
		in := m.intents[name]
		sender := m.sender
		m.mu.RUnlock()
		if !ok {
			continue
		}
		c.markUnsubscribed()
		if c.Type == types.ChannelPresence {
			c.replaceMembers("", nil)
		}
		if err := m.sendSubscribe(ctx, c, sender, in.userData); err != nil {
			m.logger.Error().Err(err).Str("channel", name).Msg("resubscribe failed")
		}
	}
}

type presenceSuccessData struct {
	Presence struct {
		IDs   []string                   `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	} `json:"presence"`
}

type memberData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// HandleInternalEvent processes a pusher_internal:* frame, updating
// channel state and emitting the corresponding user-visible event on the
// channel's own dispatcher.
func (m *Manager) HandleInternalEvent(frame codec.Frame) {
	m.mu.RLock()
	c, ok := m.channels[frame.Channel]
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch frame.Event {
	case "pusher_internal:subscription_succeeded":
		if c.Type == types.ChannelPresence {
			var presence presenceSuccessData
			if err := json.Unmarshal(frame.Data, &presence); err == nil {
				members := make([]Member, 0, len(presence.Presence.IDs))
				for _, id := range presence.Presence.IDs {
					members = append(members, Member{UserID: id, UserInfo: presence.Presence.Hash[id]})
				}
				c.replaceMembers(selfUserIDFromIntent(m, frame.Channel), members)
			}
		}
		c.markSubscribed()
		c.Dispatch(codec.Frame{Event: "pusher:subscription_succeeded", Channel: frame.Channel, Data: frame.Data})

	case "pusher_internal:subscription_error":
		c.Dispatch(codec.Frame{Event: "pusher:subscription_error", Channel: frame.Channel, Data: frame.Data})

	case "pusher_internal:member_added":
		var md memberData
		if err := json.Unmarshal(frame.Data, &md); err == nil {
			c.addMember(Member{UserID: md.UserID, UserInfo: md.UserInfo})
			c.Dispatch(codec.Frame{Event: "pusher:member_added", Channel: frame.Channel, Data: frame.Data})
		}

	case "pusher_internal:member_removed":
		var md memberData
		if err := json.Unmarshal(frame.Data, &md); err == nil {
			c.removeMember(md.UserID)
			c.Dispatch(codec.Frame{Event: "pusher:member_removed", Channel: frame.Channel, Data: frame.Data})
		}
	}
}

// selfUserIDFromIntent recovers the user id this client authenticated as
// for a presence channel, parsed out of the userData the caller passed to
// Subscribe (the stored intent). The channel_data the authorizer returned
// is not consulted, so this is "" when the caller passed no userData.
func selfUserIDFromIntent(m *Manager, channel string) string {
	m.mu.RLock()
	in, ok := m.intents[channel]
	m.mu.RUnlock()
	if !ok || in.userData == nil {
		return ""
	}
	var parsed struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(in.userData, &parsed); err != nil {
		return ""
	}
	return parsed.UserID
}

// All returns every currently tracked channel, for snapshotting on shutdown.
func (m *Manager) All() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}
