// Package auth implements C3: the authorization round-trip for
// private/presence/encrypted channels, the optional user-authentication
// (sign-in) flow, and private-encrypted payload decryption (spec §4.3).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/odinrt/channels-go/internal/channel"
)

// Sign computes the Pusher channel-authorization signature: HMAC-SHA256
// over "socket_id:channel_name" (optionally ":channel_data") keyed by the
// app secret, hex-encoded and prefixed by "<appKey>:" (spec §6
// "Authentication signature").
func Sign(appKey, appSecret, socketID, channelName string, channelData []byte) string {
	message := socketID + ":" + channelName
	if len(channelData) > 0 {
		message += ":" + string(channelData)
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(message))
	sig := hex.EncodeToString(mac.Sum(nil))

	return appKey + ":" + sig
}

// LocalAuthorizer authorizes private/presence channels without an HTTP
// round-trip, signing locally with the app secret (spec §6: the signature
// scheme is identical whether the signer lives server-side behind an HTTP
// endpoint or is embedded in a trusted client). It exists for callers that
// hold the app secret themselves, e.g. a backend service subscribing as its
// own client rather than a browser that must not see the secret.
type LocalAuthorizer struct {
	AppKey    string
	AppSecret string
	SocketID  func() string

	// UserData, if set, supplies the channel_data for presence channels
	// (spec §4.3's presence "user_id"/"user_info"); callers subscribing
	// only to private channels can leave it nil.
	UserData func(channelName string) json.RawMessage
}

// Authorize implements channel.Authorizer by signing locally instead of
// calling out to an authorization endpoint.
func (a *LocalAuthorizer) Authorize(_ context.Context, channelName string, userData json.RawMessage) (channel.AuthResult, error) {
	if len(userData) == 0 && a.UserData != nil {
		userData = a.UserData(channelName)
	}

	socketID := ""
	if a.SocketID != nil {
		socketID = a.SocketID()
	}

	auth := Sign(a.AppKey, a.AppSecret, socketID, channelName, userData)
	return channel.AuthResult{Auth: auth, ChannelData: userData}, nil
}
