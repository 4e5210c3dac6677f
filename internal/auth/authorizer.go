package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/odinrt/channels-go/internal/channel"
)

// authResponse is the JSON body returned by the authorization endpoint
// (spec §6 "Authorization HTTP"):
// `{auth: "key:<hex-hmac>", channel_data?: string, shared_secret?: base64}`.
type authResponse struct {
	Auth         string `json:"auth"`
	ChannelData  string `json:"channel_data,omitempty"`
	SharedSecret string `json:"shared_secret,omitempty"`
}

// HTTPAuthorizer performs the channel-authorization HTTP round-trip: POST
// socket_id and channel_name, form-encoded, to the configured endpoint.
type HTTPAuthorizer struct {
	Endpoint    string
	Client      *http.Client
	Timeout     time.Duration
	SocketID    func() string
	TokenSource oauth2.TokenSource // optional bearer-token injection
	Logger      zerolog.Logger

	// Pool, if set, bounds how many authorization round-trips run
	// concurrently. Without it every Authorize call fires its own
	// goroutine-less, synchronous HTTP request; a burst of subscribes
	// to many private/presence channels at once then opens as many
	// concurrent requests against the authorization endpoint.
	Pool *WorkerPool
}

// NewHTTPAuthorizer constructs an authorizer with sane HTTP client defaults.
func NewHTTPAuthorizer(endpoint string, timeout time.Duration, socketID func() string, logger zerolog.Logger) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		Endpoint: endpoint,
		Client:   &http.Client{},
		Timeout:  timeout,
		SocketID: socketID,
		Logger:   logger,
	}
}

// Authorize implements channel.Authorizer. When Pool is set, the HTTP
// round-trip runs on a pooled worker so the number of authorization
// requests in flight stays bounded regardless of how many channels are
// subscribed to at once.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, channelName string, userData json.RawMessage) (channel.AuthResult, error) {
	if a.Pool == nil {
		return a.doAuthorize(ctx, channelName, userData)
	}

	type outcome struct {
		result channel.AuthResult
		err    error
	}
	done := make(chan outcome, 1)
	// Bound the wait so a task the pool drops (queue full) fails this call
	// after the authorization timeout instead of waiting forever.
	waitCtx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	a.Pool.Submit(func() {
		result, err := a.doAuthorize(ctx, channelName, userData)
		done <- outcome{result, err}
	})
	select {
	case o := <-done:
		return o.result, o.err
	case <-waitCtx.Done():
		return channel.AuthResult{}, waitCtx.Err()
	}
}

func (a *HTTPAuthorizer) doAuthorize(ctx context.Context, channelName string, userData json.RawMessage) (channel.AuthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	form := url.Values{}
	form.Set("socket_id", a.socketID())
	form.Set("channel_name", channelName)
	if len(userData) > 0 {
		form.Set("channel_data", string(userData))
	}

	correlationID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.AuthResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Correlation-Id", correlationID)

	if a.TokenSource != nil {
		token, err := a.TokenSource.Token()
		if err != nil {
			return channel.AuthResult{}, fmt.Errorf("fetching bearer token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	a.Logger.Debug().Str("channel", channelName).Str("correlation_id", correlationID).Msg("authorizing channel")

	resp, err := a.client().Do(req)
	if err != nil {
		return channel.AuthResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return channel.AuthResult{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.AuthResult{}, &HTTPStatusError{Channel: channelName, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return channel.AuthResult{}, fmt.Errorf("parsing authorization response: %w", err)
	}
	if parsed.Auth == "" {
		return channel.AuthResult{}, fmt.Errorf("authorization response for %q is missing \"auth\"", channelName)
	}

	result := channel.AuthResult{Auth: parsed.Auth}
	if parsed.ChannelData != "" {
		result.ChannelData = []byte(parsed.ChannelData)
	}
	if parsed.SharedSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(parsed.SharedSecret)
		if err != nil {
			return channel.AuthResult{}, fmt.Errorf("decoding shared_secret: %w", err)
		}
		result.SharedSecret = secret
	}
	return result, nil
}

func (a *HTTPAuthorizer) timeout() time.Duration {
	if a.Timeout <= 0 {
		return 10 * time.Second
	}
	return a.Timeout
}

func (a *HTTPAuthorizer) client() *http.Client {
	if a.Client == nil {
		return http.DefaultClient
	}
	return a.Client
}

func (a *HTTPAuthorizer) socketID() string {
	if a.SocketID == nil {
		return ""
	}
	return a.SocketID()
}

// HTTPStatusError reports a non-2xx response from the authorization
// endpoint (spec §7: "Subscriptions are not retried automatically").
type HTTPStatusError struct {
	Channel    string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("authorization endpoint returned status %d for %q: %s", e.StatusCode, e.Channel, e.Body)
}
