// Package connection implements C8: the stream lifecycle FSM, heartbeat,
// reconnect, and outbound backpressure (spec §4.8). Grounded on the
// teacher's pump_read.go/pump_write.go split (one goroutine owns reads,
// one owns writes), adapted from a server's per-client pumps to a single
// client's connection to one upstream, plus the state-machine shape the
// teacher's Client lifecycle fields implied but never formalized as an
// explicit FSM.
package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/auth"
	"github.com/odinrt/channels-go/internal/channel"
	"github.com/odinrt/channels-go/internal/codec"
	"github.com/odinrt/channels-go/internal/delta"
	"github.com/odinrt/channels-go/internal/dispatch"
	"github.com/odinrt/channels-go/internal/limits"
	"github.com/odinrt/channels-go/internal/monitoring"
	"github.com/odinrt/channels-go/internal/transport"
	"github.com/odinrt/channels-go/internal/types"
)

// Options configures a Manager; it is the connection-relevant subset of
// the client façade's configuration (spec §4.9 table).
type Options struct {
	Addr string // full ws:// or wss:// URL, app key already embedded in the path

	ActivityTimeout time.Duration // default 120s
	PongTimeout     time.Duration // default 30s

	DisableReconnection     bool
	MaxReconnectionAttempts int // 0 = unlimited
	ReconnectionDelay       time.Duration
	MaxReconnectionDelay    time.Duration

	MaxMessagesPerKey  int
	FlushRatePerSecond float64 // outbound replay pacing after reconnect; 0 = unlimited
	FlushBurst         int

	HandshakeTimeout time.Duration // default 10s
}

func (o *Options) setDefaults() {
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 120 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 30 * time.Second
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = time.Second
	}
	if o.MaxReconnectionDelay <= 0 {
		o.MaxReconnectionDelay = 30 * time.Second
	}
	if o.FlushBurst <= 0 {
		o.FlushBurst = 16
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxMessagesPerKey <= 0 {
		o.MaxMessagesPerKey = 10
	}
}

// TransportFactory builds a fresh Transport for each connection attempt.
type TransportFactory func() transport.Transport

// StateChange is delivered to callbacks bound via BindStateChange.
type StateChange struct {
	From types.ConnectionState
	To   types.ConnectionState
}

// Manager drives the connection FSM described in spec §4.8. One Manager
// corresponds to one logical client connection across its full reconnect
// history.
type Manager struct {
	opts     Options
	newTransport TransportFactory

	channels   *channel.Manager
	dispatcher *dispatch.Dispatcher
	delta      *delta.Engine
	metrics    *monitoring.Metrics
	logger     zerolog.Logger

	mu       sync.RWMutex
	state    types.ConnectionState
	socketID string
	tr       transport.Transport

	outbound *outboundQueue
	backoff  *limits.Backoff

	stateCallbacks []func(StateChange)

	runCancel context.CancelFunc
	runDone   chan struct{}

	closeOnce sync.Once
}

// New constructs a Manager. channels and dispatcher are owned by the
// caller (the client façade) and wired in so system events can be routed
// without this package importing the façade.
func New(opts Options, newTransport TransportFactory, channels *channel.Manager, dispatcher *dispatch.Dispatcher, deltaEngine *delta.Engine, metrics *monitoring.Metrics, logger zerolog.Logger) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:         opts,
		newTransport: newTransport,
		channels:     channels,
		dispatcher:   dispatcher,
		delta:        deltaEngine,
		metrics:      metrics,
		logger:       logger,
		state:        types.StateInitialized,
		outbound:     newOutboundQueue(),
		backoff:      limits.NewBackoff(opts.ReconnectionDelay, opts.MaxReconnectionDelay, opts.MaxReconnectionAttempts),
	}
}

// State returns the FSM's current state.
func (m *Manager) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SocketID returns the id assigned by the server's handshake, or "" before
// the first successful connection.
func (m *Manager) SocketID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.socketID
}

// BindStateChange registers a callback invoked on every FSM transition, in
// registration order. Used by the façade to surface connecting / connected
// / unavailable / failed as user-visible events.
func (m *Manager) BindStateChange(cb func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallbacks = append(m.stateCallbacks, cb)
}

func (m *Manager) setState(to types.ConnectionState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	cbs := append([]func(StateChange){}, m.stateCallbacks...)
	m.mu.Unlock()

	if from == to {
		return
	}
	if m.metrics != nil {
		m.metrics.SetConnectionState([]string{
			string(types.StateInitialized), string(types.StateConnecting), string(types.StateConnected),
			string(types.StateDisconnecting), string(types.StateDisconnected),
			string(types.StateUnavailable), string(types.StateFailed),
		}, string(to))
	}
	for _, cb := range cbs {
		cb(StateChange{From: from, To: to})
	}
}

// Send implements channel.Sender: encode and enqueue a frame for delivery,
// buffering it if the connection is currently down.
func (m *Manager) Send(frame codec.Frame) error {
	encoded, err := codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("connection: encoding frame %q: %w", frame.Event, err)
	}
	m.outbound.push(encoded)
	return nil
}

// Connect starts the connection supervisor loop. It returns once the loop
// goroutine has been launched; reaching Connected happens asynchronously
// and is observed via BindStateChange or by polling State().
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.runCancel != nil {
		m.mu.Unlock()
		return // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCancel = cancel
	m.runDone = make(chan struct{})
	m.mu.Unlock()

	go m.supervise(runCtx)
}

// Disconnect performs the cooperative teardown: it closes the transport
// (which sends a close frame), stops the supervise loop, and moves through
// the states {disconnecting, disconnected}. Frames still waiting in the
// outbound queue are not written before the transport closes.
func (m *Manager) Disconnect() {
	m.closeOnce.Do(func() {
		m.setState(types.StateDisconnecting)
		m.mu.Lock()
		tr := m.tr
		cancel := m.runCancel
		done := m.runDone
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		m.setState(types.StateDisconnected)
	})
}

// supervise is the reconnect loop: dial, run pumps until the connection
// drops, then back off and retry (unless disconnection was requested or
// reconnection is disabled/exhausted).
func (m *Manager) supervise(ctx context.Context) {
	defer close(m.runDone)
	defer monitoring.RecoverPanic(m.logger, "connection.supervise", nil)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.setState(types.StateConnecting)
		tr := m.newTransport()
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		err := tr.Connect(dialCtx, m.opts.Addr)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Msg("connect failed")
			if !m.awaitBackoff(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.tr = tr
		m.mu.Unlock()

		lost := m.runConnection(ctx, tr)
		_ = tr.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		if m.State() == types.StateDisconnected || m.State() == types.StateFailed {
			return
		}
		if lost {
			m.logger.Info().Msg("connection lost, reconnecting")
		}
		if !m.awaitBackoff(ctx) {
			return
		}
	}
}

// awaitBackoff sleeps the next reconnect delay, transitioning to
// Unavailable first and to Failed if the attempt cap is reached or
// reconnection is disabled. Returns false if the caller should stop
// retrying.
func (m *Manager) awaitBackoff(ctx context.Context) bool {
	if m.opts.DisableReconnection {
		m.setState(types.StateFailed)
		return false
	}
	m.setState(types.StateUnavailable)
	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}

	delay, exhausted := m.backoff.Next()
	if exhausted {
		m.setState(types.StateFailed)
		if m.metrics != nil {
			m.metrics.ReconnectFailures.Inc()
		}
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// runConnection drives one live connection: handshake, read/write pumps,
// and activity monitoring, until the transport drops or ctx is cancelled.
// Returns true if the connection was lost (as opposed to a deliberate
// Disconnect).
func (m *Manager) runConnection(ctx context.Context, tr transport.Transport) bool {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan codec.Frame, 64)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.readLoop(connCtx, tr, inbound, readErr)
	}()
	go func() {
		defer wg.Done()
		m.writeLoop(connCtx, tr)
	}()

	handshook := false
	awaitingPong := false
	deadline := time.NewTimer(m.opts.HandshakeTimeout)
	defer deadline.Stop()

	resetDeadline := func(d time.Duration) {
		if !deadline.Stop() {
			select {
			case <-deadline.C:
			default:
			}
		}
		deadline.Reset(d)
	}

	lost := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case err := <-readErr:
			m.logger.Debug().Err(err).Msg("transport read loop ended")
			lost = true
			break loop

		case frame := <-inbound:
			awaitingPong = false
			resetDeadline(m.opts.ActivityTimeout)

			if !handshook {
				if frame.Event != "pusher:connection_established" {
					m.logger.Warn().Str("event", frame.Event).Msg("expected handshake frame first")
					continue
				}
				if err := m.handleHandshake(frame); err != nil {
					m.logger.Error().Err(err).Msg("handshake failed")
					lost = true
					break loop
				}
				handshook = true
				m.setState(types.StateConnected)
				m.backoff.Reset()
				m.channels.ResubscribeAll(ctx)
				m.autoEnableDelta()
				continue
			}

			m.routeInbound(frame)

		case <-deadline.C:
			if !handshook {
				m.logger.Warn().Msg("handshake timed out")
				lost = true
				break loop
			}
			if !awaitingPong {
				_ = m.Send(codec.Frame{Event: "pusher:ping"})
				awaitingPong = true
				deadline.Reset(m.opts.PongTimeout)
			} else {
				m.logger.Warn().Msg("pong timeout, connection considered dead")
				lost = true
				break loop
			}
		}
	}

	cancel()
	wg.Wait()
	return lost
}

type handshakeData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

func (m *Manager) handleHandshake(frame codec.Frame) error {
	var hs handshakeData
	if err := json.Unmarshal(frame.Data, &hs); err != nil {
		return fmt.Errorf("decoding connection_established: %w", err)
	}
	if hs.SocketID == "" {
		return fmt.Errorf("connection_established missing socket_id")
	}
	m.mu.Lock()
	m.socketID = hs.SocketID
	if hs.ActivityTimeout > 0 {
		m.opts.ActivityTimeout = time.Duration(hs.ActivityTimeout) * time.Second
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) autoEnableDelta() {
	if !m.delta.EnableRequested() {
		return
	}
	frame, err := m.delta.BuildEnableFrame()
	if err != nil {
		m.logger.Error().Err(err).Msg("building enable_delta_compression frame")
		return
	}
	_ = m.Send(frame)
}

func (m *Manager) readLoop(ctx context.Context, tr transport.Transport, inbound chan<- codec.Frame, readErr chan<- error) {
	defer monitoring.RecoverPanic(m.logger, "connection.readLoop", nil)
	for {
		msg, err := tr.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			case <-ctx.Done():
			}
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesReceived.Inc()
		}
		frame, err := codec.Decode(msg)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed frame, dropping")
			continue
		}
		select {
		case inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, tr transport.Transport) {
	defer monitoring.RecoverPanic(m.logger, "connection.writeLoop", nil)
	flusher := limits.NewFlushLimiter(m.opts.FlushRatePerSecond, m.opts.FlushBurst)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.outbound.ready:
			for _, item := range m.outbound.drain() {
				if err := flusher.Wait(ctx); err != nil {
					return
				}
				if err := tr.WriteMessage(item); err != nil {
					m.logger.Debug().Err(err).Msg("write failed")
					return
				}
				if m.metrics != nil {
					m.metrics.MessagesSent.Inc()
				}
			}
		}
	}
}

// routeInbound dispatches a decoded frame to the connection manager,
// channel manager, delta engine, or user callbacks as appropriate (spec
// §4.1, §4.5, §4.7).
func (m *Manager) routeInbound(frame codec.Frame) {
	switch {
	case frame.Event == "pusher:pong":
		// Liveness is already recorded by runConnection's deadline reset
		// on every inbound frame; nothing further to do here.
		return

	case frame.Event == "pusher:error":
		m.handleProtocolError(frame)
		return

	case frame.Event == "pusher:delta_compression_enabled":
		var ack struct {
			Enabled    bool     `json:"enabled"`
			Algorithms []string `json:"algorithms"`
		}
		_ = json.Unmarshal(frame.Data, &ack)
		m.delta.HandleEnabledAck(ack.Enabled, ack.Algorithms)
		return

	case frame.Event == "pusher:delta_cache_sync":
		m.handleCacheSync(frame)
		return

	case frame.Event == "pusher:delta":
		m.handleDelta(frame)
		return

	case frame.Event == "pusher:signin_success" || frame.Event == "pusher:signin_error":
		m.dispatcher.Dispatch(frame)
		return

	case codec.IsInternalEvent(frame.Event):
		m.channels.HandleInternalEvent(frame)
		return

	case codec.IsSystemEvent(frame.Event):
		return

	default:
		m.handleChannelEvent(frame)
	}
}

func (m *Manager) handleProtocolError(frame codec.Frame) {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(frame.Data, &payload)
	m.logger.Error().Int("code", payload.Code).Str("message", payload.Message).Msg("pusher:error")
	if payload.Code >= 4000 {
		m.dispatcher.Dispatch(codec.Frame{Event: "failed", Data: frame.Data})
		m.setState(types.StateFailed)
	} else {
		m.dispatcher.Dispatch(codec.Frame{Event: "error", Data: frame.Data})
	}
}

type cacheSyncWire struct {
	Channel           string                          `json:"channel"`
	ConflationKey     string                          `json:"conflation_key"`
	MaxMessagesPerKey int                             `json:"max_messages_per_key"`
	States            map[string][]delta.CacheSyncEntry `json:"states"`
}

func (m *Manager) handleCacheSync(frame codec.Frame) {
	var w cacheSyncWire
	if err := json.Unmarshal(frame.Data, &w); err != nil {
		m.logger.Warn().Err(err).Msg("malformed delta_cache_sync")
		return
	}
	maxPerKey := w.MaxMessagesPerKey
	if maxPerKey <= 0 {
		maxPerKey = m.opts.MaxMessagesPerKey
	}
	m.delta.HandleCacheSync(w.Channel, w.ConflationKey, maxPerKey, w.States)
}

func (m *Manager) handleDelta(frame codec.Frame) {
	var payload delta.DeltaPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		m.logger.Warn().Err(err).Msg("malformed delta frame")
		return
	}
	reconstructed, err := m.delta.HandleDelta(frame.Channel, payload)
	if err != nil {
		m.emitDeltaError(frame.Channel, err)
		return
	}
	if m.metrics != nil {
		fullSize := len(reconstructed.Data)
		deltaSize := 0
		if decoded, derr := base64.StdEncoding.DecodeString(payload.Delta); derr == nil {
			deltaSize = len(decoded)
		}
		m.metrics.RecordDelta(deltaSize, fullSize)
	}
	m.deliverChannelFrame(reconstructed)
}

func (m *Manager) emitDeltaError(channelName string, err error) {
	m.logger.Error().Err(err).Str("channel", channelName).Msg("delta decode failed, resyncing")
	if m.metrics != nil {
		m.metrics.DeltaResyncs.Inc()
	}
	raw, _ := json.Marshal(struct {
		Channel string `json:"channel"`
		Reason  string `json:"reason"`
	}{Channel: channelName, Reason: err.Error()})
	syncErr := codec.Frame{Event: "pusher:delta_sync_error", Channel: channelName, Data: raw}
	_ = m.Send(syncErr)
	m.dispatcher.Dispatch(syncErr)
	if c, ok := m.channels.Get(channelName); ok {
		c.Dispatch(syncErr)
	}
}

// handleChannelEvent processes a plain server-originated event: caches it
// as a delta base when it carries a sequence number, decrypts it if the
// channel is private-encrypted, and delivers it to channel and global
// callbacks.
func (m *Manager) handleChannelEvent(frame codec.Frame) {
	if frame.Sequence != nil {
		if err := m.delta.HandleFullMessage(frame.Channel, frame.Event, frame.Data, *frame.Sequence, frame.ConflationKey); err != nil {
			m.emitDeltaError(frame.Channel, err)
			return
		}
		if m.metrics != nil {
			m.metrics.FullMessages.Inc()
		}
	}
	m.deliverChannelFrame(frame)
}

func (m *Manager) deliverChannelFrame(frame codec.Frame) {
	if m.metrics != nil {
		m.metrics.EventsDispatched.Inc()
	}
	c, ok := m.channels.Get(frame.Channel)
	if ok && c.Type == types.ChannelPrivateEncrypted && len(frame.Data) > 0 {
		plaintext, err := auth.Decrypt(c.SharedSecret(), frame.Data)
		if err != nil {
			m.logger.Warn().Err(err).Str("channel", frame.Channel).Str("event", frame.Event).Msg("decryption failed, dropping event")
			return
		}
		frame.Data = plaintext
	}
	m.dispatcher.Dispatch(frame)
	if ok {
		c.Dispatch(frame)
	}
}
