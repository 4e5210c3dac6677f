// Package channel implements C7: Channel objects, their per-event
// callback registries, and presence-member bookkeeping (spec §4.7). The
// subscription FSM and re-subscribe set live in manager.go; this file
// holds the per-channel state a subscribed Channel exposes to callers.
package channel

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/codec"
	"github.com/odinrt/channels-go/internal/dispatch"
	"github.com/odinrt/channels-go/internal/filter"
	"github.com/odinrt/channels-go/internal/types"
)

// Member is a presence-channel participant: an opaque user id plus
// whatever user-info payload the server attached (spec §3 "Member").
type Member struct {
	UserID   string
	UserInfo json.RawMessage
}

// Channel is a single subscribed (or subscribing) channel. Its type and
// filter are fixed at creation and reproduced verbatim on re-subscribe
// after a reconnect (spec §4.7). The shared secret of a private-encrypted
// channel is set from each authorization, so a re-subscribe replaces it
// with the one its fresh authorization returns.
type Channel struct {
	Name string
	Type types.ChannelType

	mu           sync.RWMutex
	subscribed   bool
	filterNode   *filter.Node
	sharedSecret []byte // set only for private-encrypted channels
	selfUserID   string // set only for presence channels

	members      map[string]Member
	memberOrder  []string // insertion order, for a stable roster listing

	dispatcher *dispatch.Dispatcher
}

// New constructs a Channel in the not-yet-subscribed state.
func New(name string, filterNode *filter.Node, logger zerolog.Logger, onPanic func(event string, value any)) *Channel {
	return &Channel{
		Name:       name,
		Type:       types.DeriveChannelType(name),
		filterNode: filterNode,
		members:    make(map[string]Member),
		dispatcher: dispatch.New(logger, onPanic),
	}
}

// Filter returns the channel's immutable tag filter, or nil if none was set.
func (c *Channel) Filter() *filter.Node { return c.filterNode }

// SetSharedSecret records the NaCl secretbox key returned by the
// authorization endpoint for a private-encrypted channel.
func (c *Channel) SetSharedSecret(secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedSecret = secret
}

// SharedSecret returns the channel's decryption key, or nil if unset.
func (c *Channel) SharedSecret() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sharedSecret
}

// Subscribed reports whether pusher_internal:subscription_succeeded has
// been observed for the channel's current subscription attempt.
func (c *Channel) Subscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// markSubscribed flips the subscribed flag, called on subscription_succeeded.
func (c *Channel) markSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
}

// markUnsubscribed resets subscribed state ahead of a re-subscribe attempt
// (used when a reconnect requires the channel to go through auth again).
func (c *Channel) markUnsubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
}

// Bind registers cb for event, scoped to this channel.
func (c *Channel) Bind(event string, cb dispatch.Callback) dispatch.ID {
	return c.dispatcher.Bind(event, cb)
}

// Unbind removes every callback bound to event on this channel (spec
// §4.6: "unbind(name) removes every callback for that name").
func (c *Channel) Unbind(event string) {
	c.dispatcher.UnbindEvent(event)
}

// BindGlobal registers cb to receive every event delivered on this channel.
func (c *Channel) BindGlobal(cb dispatch.Callback) dispatch.ID {
	return c.dispatcher.BindGlobal(cb)
}

// UnbindGlobal removes a single channel-scoped global callback.
func (c *Channel) UnbindGlobal(id dispatch.ID) {
	c.dispatcher.UnbindGlobal(id)
}

// UnbindAll clears every callback registered on this channel.
func (c *Channel) UnbindAll() {
	c.dispatcher.UnbindAll()
}

// Dispatch delivers frame to this channel's callbacks.
func (c *Channel) Dispatch(frame codec.Frame) {
	c.dispatcher.Dispatch(frame)
}

// replaceMembers atomically sets the roster, used on subscription_succeeded
// for presence channels (spec §4.7: "the contained members roster replaces
// the channel's Member set").
func (c *Channel) replaceMembers(selfUserID string, members []Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfUserID = selfUserID
	c.members = make(map[string]Member, len(members))
	c.memberOrder = c.memberOrder[:0]
	for _, m := range members {
		c.members[m.UserID] = m
		c.memberOrder = append(c.memberOrder, m.UserID)
	}
}

// addMember inserts or updates one roster entry (member_added).
func (c *Channel) addMember(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.members[m.UserID]; !exists {
		c.memberOrder = append(c.memberOrder, m.UserID)
	}
	c.members[m.UserID] = m
}

// removeMember deletes one roster entry (member_removed).
func (c *Channel) removeMember(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, userID)
	for i, id := range c.memberOrder {
		if id == userID {
			c.memberOrder = append(c.memberOrder[:i], c.memberOrder[i+1:]...)
			break
		}
	}
}

// Members returns a stable-ordered snapshot of the presence roster.
func (c *Channel) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Member, 0, len(c.memberOrder))
	for _, id := range c.memberOrder {
		out = append(out, c.members[id])
	}
	return out
}

// IsSelf reports whether userID is this client's own presence member.
func (c *Channel) IsSelf(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfUserID != "" && c.selfUserID == userID
}
