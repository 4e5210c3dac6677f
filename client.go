// Package channels is a Pusher-compatible Channels protocol v7 client
// library. A Client owns one logical connection to the cluster: it
// dials, authenticates, subscribes channels, and redelivers the
// reconnect/delta/presence bookkeeping the protocol requires, so calling
// code only ever sees {event, channel, data} and state transitions.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/auth"
	"github.com/odinrt/channels-go/internal/channel"
	"github.com/odinrt/channels-go/internal/clusterconfig"
	"github.com/odinrt/channels-go/internal/codec"
	"github.com/odinrt/channels-go/internal/connection"
	"github.com/odinrt/channels-go/internal/delta"
	"github.com/odinrt/channels-go/internal/dispatch"
	"github.com/odinrt/channels-go/internal/filter"
	"github.com/odinrt/channels-go/internal/monitoring"
	"github.com/odinrt/channels-go/internal/transport"
)

// Client is the public entry point: one per logical connection. All
// methods are safe for concurrent use.
type Client struct {
	opts Options

	logger  zerolog.Logger
	metrics *monitoring.Metrics

	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher
	delta      *delta.Engine
	conn       *connection.Manager

	authorizer *auth.HTTPAuthorizer
	signIn     *auth.SignInAuthenticator

	resourceSampler *monitoring.ResourceSampler
	sampleCancel    context.CancelFunc

	authPool       *auth.WorkerPool
	authPoolCancel context.CancelFunc

	deltaStatsCb delta.StatsCallback
	deltaErrorCb delta.ErrorCallback
}

// NewClient constructs a Client for appKey, applying opts over
// DefaultOptions (spec §4.9: "construct with (app_key, options)"). This is
// the lower-friction, functional-options construction path (grounded on the
// pack's alpaca stream client options.go idiom) for callers who don't want
// env-var plumbing; see LoadOptionsFromEnv/NewClientWithOptions for the
// struct-based path.
func NewClient(appKey string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	o.AppKey = appKey
	for _, opt := range opts {
		opt(&o)
	}
	return NewClientWithOptions(o)
}

// NewClientWithOptions validates opts and wires every C1-C8 component
// together. It does not connect; call Connect to start the socket.
func NewClientWithOptions(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: opts.LogLevel, Format: opts.LogFormat})

	var metrics *monitoring.Metrics
	if opts.EnableMetrics {
		metrics = monitoring.NewMetrics()
	}

	var deltaAlgorithms []string
	if opts.EnableDeltaCompression {
		deltaAlgorithms = opts.DeltaAlgorithms
	}

	c := &Client{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		delta:   delta.NewEngine(deltaAlgorithms, opts.MaxMessagesPerKey),
	}
	c.dispatcher = dispatch.New(logger.With().Str("component", "dispatcher").Logger(), c.onCallbackPanic)

	// socketID is resolved lazily (c.conn is assigned below, but the
	// authorizer needs a way to read it once connected), so both the
	// authorizer and the connection manager close over this indirection
	// rather than c.conn directly.
	socketID := func() string {
		if c.conn == nil {
			return ""
		}
		return c.conn.SocketID()
	}

	var authorizer channel.Authorizer
	switch {
	case opts.AppSecret != "":
		authorizer = &auth.LocalAuthorizer{AppKey: opts.AppKey, AppSecret: opts.AppSecret, SocketID: socketID}
	case opts.AuthEndpoint != "":
		c.authorizer = auth.NewHTTPAuthorizer(opts.AuthEndpoint, 10*time.Second, socketID,
			logger.With().Str("component", "authorizer").Logger())
		if opts.AuthWorkerPoolSize > 0 {
			c.authPool = auth.NewWorkerPool(opts.AuthWorkerPoolSize, opts.AuthWorkerQueueSize,
				logger.With().Str("component", "auth_pool").Logger())
			c.authorizer.Pool = c.authPool
		}
		authorizer = c.authorizer
	}
	c.channels = channel.NewManager(authorizer, nil, logger.With().Str("component", "channel").Logger(), c.onCallbackPanic)

	c.delta.SetDebug(logger.With().Str("component", "delta").Logger(), opts.DeltaDebug)

	c.conn = connection.New(c.connectionOptions(), c.transportFactory, c.channels, c.dispatcher, c.delta, metrics,
		logger.With().Str("component", "connection").Logger())
	c.channels.SetSender(c.conn)

	c.conn.BindStateChange(func(change connection.StateChange) {
		c.dispatcher.Dispatch(codec.Frame{Event: "state_change", Data: stateChangeData(change)})
	})

	if opts.UserAuthEndpoint != "" {
		c.signIn = &auth.SignInAuthenticator{
			Endpoint: opts.UserAuthEndpoint,
			Timeout:  10 * time.Second,
			SocketID: c.conn.SocketID,
			Logger:   logger.With().Str("component", "signin").Logger(),
		}
	}

	if opts.ResourceSoftLimitMB > 0 && metrics != nil {
		sampler, err := monitoring.NewResourceSampler(opts.ResourceSampleInterval, uint64(opts.ResourceSoftLimitMB)*1024*1024,
			metrics, logger.With().Str("component", "resource").Logger(), c.delta.EvictOnPressure)
		if err != nil {
			return nil, fmt.Errorf("channels: starting resource sampler: %w", err)
		}
		c.resourceSampler = sampler
	}

	return c, nil
}

func stateChangeData(change connection.StateChange) json.RawMessage {
	raw, _ := json.Marshal(struct {
		From string `json:"from"`
		To   string `json:"to"`
	}{From: string(change.From), To: string(change.To)})
	return raw
}

func (c *Client) connectionOptions() connection.Options {
	return connection.Options{
		Addr:                    c.dialAddr(),
		ActivityTimeout:         c.opts.ActivityTimeout,
		PongTimeout:             c.opts.PongTimeout,
		DisableReconnection:     c.opts.DisableReconnection,
		MaxReconnectionAttempts: c.opts.MaxReconnectionAttempts,
		ReconnectionDelay:       c.opts.ReconnectionDelay,
		MaxReconnectionDelay:    c.opts.MaxReconnectionDelay,
		MaxMessagesPerKey:       c.opts.MaxMessagesPerKey,
	}
}

// dialAddr resolves the cluster/endpoint override table (spec §11/§12)
// into the ws(s):// URL the transport dials.
func (c *Client) dialAddr() string {
	if c.opts.WSHost != "" {
		return endpointURL(clusterconfig.Endpoint{Host: c.opts.WSHost, Port: c.opts.WSPort, UseTLS: c.opts.UseTLS}, c.opts.AppKey)
	}
	registry, err := clusterconfig.Load(c.opts.ClusterConfigPath)
	if err != nil {
		c.logger.Warn().Err(err).Msg("loading cluster registry override, falling back to builtin formula")
		registry = nil
	}
	return endpointURL(registry.Resolve(c.opts.Cluster), c.opts.AppKey)
}

func endpointURL(ep clusterconfig.Endpoint, appKey string) string {
	scheme := "ws"
	if ep.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/app/%s?protocol=7&client=channels-go", scheme, ep.Host, ep.Port, appKey)
}

func (c *Client) transportFactory() transport.Transport {
	return transport.NewWSTransport()
}

func (c *Client) onCallbackPanic(event string, value any) {
	c.logger.Error().Str("event", event).Interface("panic_value", value).Msg("user callback panicked")
	if c.metrics != nil {
		c.metrics.CallbackPanics.Inc()
	}
}

// Connect starts the connection supervisor. It returns immediately; use
// BindStateChange or State to observe when the handshake completes.
func (c *Client) Connect(ctx context.Context) {
	if c.authPool != nil {
		poolCtx, cancel := context.WithCancel(ctx)
		c.authPoolCancel = cancel
		c.authPool.Start(poolCtx)
	}
	c.conn.Connect(ctx)
	if c.resourceSampler != nil {
		sampleCtx, cancel := context.WithCancel(ctx)
		c.sampleCancel = cancel
		go c.resourceSampler.Run(sampleCtx)
	}
}

// Disconnect tears down the connection and stops reconnecting.
func (c *Client) Disconnect() {
	if c.sampleCancel != nil {
		c.sampleCancel()
	}
	if c.authPoolCancel != nil {
		c.authPoolCancel()
	}
	c.conn.Disconnect()
}

// State returns the connection FSM's current state (spec §4.8).
func (c *Client) State() string { return string(c.conn.State()) }

// SocketID returns the id assigned by the server's handshake, or "" before
// the first successful connection.
func (c *Client) SocketID() string { return c.conn.SocketID() }

// BindStateChange registers cb for every connection state transition.
func (c *Client) BindStateChange(cb func(from, to string)) {
	c.conn.BindStateChange(func(change connection.StateChange) {
		cb(string(change.From), string(change.To))
	})
}

// Subscribe joins a channel, authorizing first if its name requires it
// (private-, presence-, private-encrypted-). filterNode may be nil.
// userData carries the presence channel_data (user_id/user_info) or the
// private-encrypted channel_data the server's auth endpoint expects.
func (c *Client) Subscribe(ctx context.Context, name string, filterNode *filter.Node, userData json.RawMessage) (*channel.Channel, error) {
	return c.channels.Subscribe(ctx, name, filterNode, userData)
}

// Unsubscribe leaves a channel and forgets its delta/presence state.
func (c *Client) Unsubscribe(name string) error {
	c.delta.Forget(name)
	return c.channels.Unsubscribe(name)
}

// Channel returns a previously subscribed channel, if any.
func (c *Client) Channel(name string) (*channel.Channel, bool) {
	return c.channels.Get(name)
}

// Bind registers a global callback for event across every channel and
// connection-level notification (spec §4.6).
func (c *Client) Bind(event string, cb dispatch.Callback) dispatch.ID {
	return c.dispatcher.Bind(event, cb)
}

// Unbind removes every global callback bound to event.
func (c *Client) Unbind(event string) {
	c.dispatcher.UnbindEvent(event)
}

// BindGlobal registers cb to receive every event the client dispatches.
func (c *Client) BindGlobal(cb dispatch.Callback) dispatch.ID {
	return c.dispatcher.BindGlobal(cb)
}

// UnbindGlobal removes a single global callback.
func (c *Client) UnbindGlobal(id dispatch.ID) {
	c.dispatcher.UnbindGlobal(id)
}

// UnbindAll clears every globally registered callback.
func (c *Client) UnbindAll() {
	c.dispatcher.UnbindAll()
}

// SendEvent publishes a client-* event on a private or presence channel
// (spec §4.4). The server enforces the client-event rate limit; this
// client does not throttle client-* events itself (§9 Open Question).
func (c *Client) SendEvent(channelName, event string, data json.RawMessage) error {
	if !isClientEvent(event) {
		return &ProtocolError{Event: event, Err: fmt.Errorf("client events must be prefixed %q", codec.ClientEventPrefix)}
	}
	ch, ok := c.channels.Get(channelName)
	if !ok {
		return &ProtocolError{Event: event, Err: fmt.Errorf("not subscribed to channel %q", channelName)}
	}
	if !ch.Subscribed() {
		return &ProtocolError{Event: event, Err: fmt.Errorf("channel %q has not finished subscribing", channelName)}
	}
	return c.conn.Send(codec.Frame{Event: event, Channel: channelName, Data: data})
}

func isClientEvent(event string) bool {
	return len(event) > len(codec.ClientEventPrefix) && event[:len(codec.ClientEventPrefix)] == codec.ClientEventPrefix
}

// GetDeltaStats returns the process-global delta-compression counters
// (spec §3/§4.9: total/delta/full message counts, bytes with/without
// compression, errors — accumulated across every channel).
func (c *Client) GetDeltaStats() delta.DeltaStats {
	return c.delta.Stats()
}

// ResetDeltaStats zeroes the global delta-compression counters.
func (c *Client) ResetDeltaStats() {
	c.delta.ResetStats()
}

// BindDeltaStats registers cb to run after every successful full-or-delta
// message the delta engine processes (spec §4.5 "Stats reporting"). Only
// one callback is held at a time; calling this again replaces it.
func (c *Client) BindDeltaStats(cb delta.StatsCallback) {
	c.deltaStatsCb = cb
	c.delta.SetCallbacks(c.deltaStatsCb, c.deltaErrorCb)
}

// BindDeltaError registers cb to run whenever the delta engine fails to
// decode or apply a delta and resyncs the channel (spec §4.5). Only one
// callback is held at a time; calling this again replaces it.
func (c *Client) BindDeltaError(cb delta.ErrorCallback) {
	c.deltaErrorCb = cb
	c.delta.SetCallbacks(c.deltaStatsCb, c.deltaErrorCb)
}

// SignIn performs the user-authentication handshake (spec §12 supplemented
// feature) and sends the resulting pusher:signin frame. The server's
// subsequent pusher:signin_success or pusher:signin_error arrives as a
// normal system event through BindGlobal.
func (c *Client) SignIn(ctx context.Context, userData json.RawMessage) error {
	if c.signIn == nil {
		return &ConfigurationError{Field: "UserAuthEndpoint", Reason: "must be set to use SignIn"}
	}
	result, err := c.signIn.Authenticate(ctx, userData)
	if err != nil {
		return &AuthorizationError{Channel: "$signin", Err: err}
	}
	raw, err := json.Marshal(struct {
		Auth     string          `json:"auth"`
		UserData json.RawMessage `json:"user_data,omitempty"`
	}{Auth: result.Auth, UserData: result.UserData})
	if err != nil {
		return err
	}
	return c.conn.Send(codec.Frame{Event: "pusher:signin", Data: raw})
}
