// Package delta implements C5: per-channel delta state, conflation caches,
// sequence validation, and dispatch to the FOSSIL and VCDIFF decoders
// (spec §4.5). It owns no transport or dispatch concerns; the connection
// manager feeds it inbound frames and it returns either a reconstructed
// event or a resync request.
package delta

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/codec"
	"github.com/odinrt/channels-go/internal/delta/fossil"
	"github.com/odinrt/channels-go/internal/delta/vcdiff"
)

// Sentinel causes wrapped by ResyncError; callers distinguish them with
// errors.Is when logging, but all of them carry the same resync obligation.
var (
	ErrChannelUnknown   = errors.New("delta: channel has no delta state")
	ErrBaseMissing      = errors.New("delta: base message missing for conflation key/index")
	ErrSequenceInvalid  = errors.New("delta: sequence is not strictly increasing")
	ErrUnknownAlgorithm = errors.New("delta: unknown compression algorithm")
)

// ResyncError signals that a channel's delta state was cleared and the
// caller must send pusher:delta_sync_error.
type ResyncError struct {
	Channel string
	Cause   error
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("delta: resync required for %q: %v", e.Channel, e.Cause)
}

func (e *ResyncError) Unwrap() error { return e.Cause }

// legacyKey is the cache slot used when a channel has no conflation-key
// name configured (spec §4.5 "legacy mode: replace the single base").
const legacyKey = ""

// CachedMessage is the exact canonical base bytes the server used when
// computing a delta, plus the sequence number it was published at.
type CachedMessage struct {
	Content  []byte
	Sequence int64
}

// DeltaStats are the process-global bandwidth counters spec §3 defines:
// "total_messages, delta_messages, full_messages,
// bytes_without_compression, bytes_with_compression, errors. Monotonic
// except through an explicit reset." They span every channel the engine
// has ever handled, not just one.
type DeltaStats struct {
	TotalMessages uint64
	DeltaMessages uint64
	FullMessages  uint64
	BytesWith     uint64
	BytesWithout  uint64
	Errors        uint64
}

// StatsEvent describes one successful full-or-delta reconstruction,
// handed to the optional stats callback (spec §4.5 "Stats reporting").
// ConflationKey and Algorithm are only populated when DeltaDebug is on,
// per SPEC_FULL.md §12's "the stats callback additionally receives the
// conflation key and algorithm name per message" supplement.
type StatsEvent struct {
	Channel       string
	Kind          string // "full" or "delta"
	BytesWith     uint64
	BytesWithout  uint64
	ConflationKey string
	Algorithm     string
}

// StatsCallback is invoked after every successful full-or-delta message.
type StatsCallback func(StatsEvent)

// ErrorCallback is invoked on every decode/resync error, alongside the
// resync the engine performs internally.
type ErrorCallback func(channel string, err error)

type channelState struct {
	conflationKeyName string
	maxMessagesPerKey int
	cache             map[string][]CachedMessage
	lastSequence      int64
	haveSequence      bool
}

func newChannelState(maxMessagesPerKey int) *channelState {
	if maxMessagesPerKey <= 0 {
		maxMessagesPerKey = 10
	}
	return &channelState{
		maxMessagesPerKey: maxMessagesPerKey,
		cache:             make(map[string][]CachedMessage),
	}
}

// Engine tracks delta state across all subscribed channels.
type Engine struct {
	mu sync.Mutex

	algorithms        []string
	enabled           bool
	enabledAlgorithms []string
	defaultCacheSize  int

	channels map[string]*channelState
	stats    DeltaStats

	debug  bool
	logger zerolog.Logger

	statsCallback StatsCallback
	errorCallback ErrorCallback
}

// NewEngine constructs a delta engine. algorithms is the ordered list sent
// in the enable handshake; defaultCacheSize seeds max_messages_per_key for
// channels that never receive an explicit pusher:delta_cache_sync.
func NewEngine(algorithms []string, defaultCacheSize int) *Engine {
	return &Engine{
		algorithms:       algorithms,
		defaultCacheSize: defaultCacheSize,
		channels:         make(map[string]*channelState),
		logger:           zerolog.Nop(),
	}
}

// SetDebug turns on DeltaDebug (SPEC_FULL.md §12): per-message cache
// hit/miss/evict logging at debug level, and extended ConflationKey/
// Algorithm fields on every StatsEvent.
func (e *Engine) SetDebug(logger zerolog.Logger, debug bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
	e.debug = debug
}

// SetCallbacks registers the optional stats and error callbacks from spec
// §4.5. Either may be nil. Callbacks run synchronously but outside the
// engine's lock, so they may safely call back into the engine.
func (e *Engine) SetCallbacks(stats StatsCallback, errCb ErrorCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsCallback = stats
	e.errorCallback = errCb
}

// EnableRequested reports whether the engine was configured with a
// non-empty algorithm set (spec §4.5: "if the configured algorithms set is
// non-empty, the client sends pusher:enable_delta_compression").
func (e *Engine) EnableRequested() bool { return len(e.algorithms) > 0 }

// BuildEnableFrame constructs the outbound pusher:enable_delta_compression
// frame advertising the configured algorithm list.
func (e *Engine) BuildEnableFrame() (codec.Frame, error) {
	data, err := json.Marshal(struct {
		Algorithms []string `json:"algorithms"`
	}{Algorithms: e.algorithms})
	if err != nil {
		return codec.Frame{}, err
	}
	return codec.Frame{Event: "pusher:enable_delta_compression", Data: data}, nil
}

// HandleEnabledAck records the server's pusher:delta_compression_enabled
// acknowledgment. Delta frames are only meaningful after this call.
func (e *Engine) HandleEnabledAck(enabled bool, algorithms []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
	e.enabledAlgorithms = algorithms
}

// Enabled reports whether the server has acknowledged delta compression.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// CacheSyncEntry is the wire shape of one element of a
// pusher:delta_cache_sync "states" list.
type CacheSyncEntry struct {
	Content string `json:"content"`
	Seq     int64  `json:"seq"`
}

// HandleCacheSync atomically replaces a channel's cache, per spec §4.5:
// "{channel, conflation_key, max_messages_per_key, states: {keyValue:
// [{content, seq}, …]}}".
func (e *Engine) HandleCacheSync(channel, conflationKeyName string, maxMessagesPerKey int, states map[string][]CacheSyncEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := newChannelState(maxMessagesPerKey)
	st.conflationKeyName = conflationKeyName

	for key, entries := range states {
		msgs := make([]CachedMessage, 0, len(entries))
		for _, entry := range entries {
			msgs = append(msgs, CachedMessage{Content: []byte(entry.Content), Sequence: entry.Seq})
		}
		st.cache[key] = msgs
	}
	e.channels[channel] = st
}

// conflationValue resolves the cache slot for a message given the
// channel's configured conflation-key name.
func conflationValue(conflationKeyValue *string) string {
	if conflationKeyValue == nil {
		return legacyKey
	}
	return *conflationKeyValue
}

func (e *Engine) stateFor(channel string) *channelState {
	st, ok := e.channels[channel]
	if !ok {
		st = newChannelState(e.defaultCacheSize)
		e.channels[channel] = st
	}
	return st
}

func (e *Engine) checkSequence(st *channelState, seq int64) error {
	if st.haveSequence && seq <= st.lastSequence {
		return ErrSequenceInvalid
	}
	return nil
}

// HandleFullMessage canonicalizes and caches a non-delta server event that
// carries sequence/conflation metadata (spec §4.5 "Full message handling").
// It must be called before the event is delivered to user callbacks so the
// cache reflects exactly what the server used as the next delta's base.
func (e *Engine) HandleFullMessage(channel, event string, data json.RawMessage, sequence int64, conflationKeyValue *string) error {
	ev, err := e.handleFullMessageLocked(channel, event, data, sequence, conflationKeyValue)
	if err != nil {
		e.invokeError(channel, err)
		return err
	}
	e.invokeStats(ev)
	return nil
}

func (e *Engine) handleFullMessageLocked(channel, event string, data json.RawMessage, sequence int64, conflationKeyValue *string) (StatsEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(channel)
	if err := e.checkSequence(st, sequence); err != nil {
		return StatsEvent{}, e.resync(channel, err)
	}

	canonical, err := codec.Canonicalize(event, channel, data)
	if err != nil {
		return StatsEvent{}, e.resync(channel, err)
	}

	key := conflationValue(conflationKeyValue)
	st.cache[key] = e.appendCapped(channel, key, st.cache[key], CachedMessage{Content: canonical, Sequence: sequence}, st.maxMessagesPerKey)
	st.lastSequence = sequence
	st.haveSequence = true

	size := uint64(len(canonical))
	e.stats.TotalMessages++
	e.stats.FullMessages++
	e.stats.BytesWith += size
	e.stats.BytesWithout += size

	ev := StatsEvent{Channel: channel, Kind: "full", BytesWith: size, BytesWithout: size}
	if e.debug {
		ev.ConflationKey = key
		e.logger.Debug().Str("channel", channel).Str("conflation_key", key).Int64("seq", sequence).Msg("delta: cached full message as new base")
	}
	return ev, nil
}

// resync clears a channel's state and records the engine-wide error
// counter; callers still wrap the cause in a *ResyncError.
func (e *Engine) resync(channel string, cause error) error {
	delete(e.channels, channel)
	e.stats.Errors++
	return &ResyncError{Channel: channel, Cause: cause}
}

// appendCapped appends to a FIFO cache, evicting the oldest entries once
// the cap is reached (spec §4.5 / invariant: "cache size... ≤
// max_messages_per_key; when capped, eviction is FIFO").
func appendCapped(cache []CachedMessage, msg CachedMessage, cap int) []CachedMessage {
	if cap <= 0 {
		cap = 1
	}
	cache = append(cache, msg)
	if len(cache) > cap {
		cache = cache[len(cache)-cap:]
	}
	return cache
}

// appendCapped is appendCapped plus the optional DeltaDebug eviction log
// line; channel/key identify the cache slot purely for that log line.
func (e *Engine) appendCapped(channel, key string, cache []CachedMessage, msg CachedMessage, cap int) []CachedMessage {
	before := len(cache)
	effectiveCap := cap
	if effectiveCap <= 0 {
		effectiveCap = 1
	}
	result := appendCapped(cache, msg, cap)
	if e.debug && before+1 > effectiveCap {
		e.logger.Debug().Str("channel", channel).Str("conflation_key", key).
			Int("evicted", before+1-effectiveCap).Msg("delta: cache evicted oldest base (FIFO cap)")
	}
	return result
}

// DeltaPayload is the inner data object of a pusher:delta frame (spec
// §4.5: "{channel, data: {event, delta (base64), seq, algorithm?,
// conflation_key?, base_index?}}").
type DeltaPayload struct {
	Event         string  `json:"event"`
	Delta         string  `json:"delta"`
	Seq           int64   `json:"seq"`
	Algorithm     string  `json:"algorithm,omitempty"`
	ConflationKey *string `json:"conflation_key,omitempty"`
	BaseIndex     *int    `json:"base_index,omitempty"`
}

type canonicalMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HandleDelta applies the five-step algorithm in spec §4.5 "Delta message
// handling" and returns the reconstructed inner event ready for dispatch.
func (e *Engine) HandleDelta(channel string, payload DeltaPayload) (codec.Frame, error) {
	frame, ev, err := e.handleDeltaLocked(channel, payload)
	if err != nil {
		e.invokeError(channel, err)
		return codec.Frame{}, err
	}
	e.invokeStats(ev)
	return frame, nil
}

func (e *Engine) handleDeltaLocked(channel string, payload DeltaPayload) (codec.Frame, StatsEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.channels[channel]
	if !ok {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, ErrChannelUnknown)
	}
	if err := e.checkSequence(st, payload.Seq); err != nil {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, err)
	}

	key := conflationValue(payload.ConflationKey)
	bucket, ok := st.cache[key]
	if !ok || len(bucket) == 0 {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, ErrBaseMissing)
	}

	baseIndex := len(bucket) - 1
	if payload.BaseIndex != nil {
		baseIndex = *payload.BaseIndex
	}
	if baseIndex < 0 || baseIndex >= len(bucket) {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, ErrBaseMissing)
	}
	base := bucket[baseIndex].Content

	deltaBytes, err := base64.StdEncoding.DecodeString(payload.Delta)
	if err != nil {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, err)
	}

	algorithm := payload.Algorithm
	if algorithm == "" {
		algorithm = "fossil"
	}
	reconstructed, err := decodeByAlgorithm(algorithm, base, deltaBytes)
	if err != nil {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, err)
	}

	var parsed canonicalMessage
	if err := json.Unmarshal(reconstructed, &parsed); err != nil {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, err)
	}

	recanonical, err := codec.Canonicalize(parsed.Event, parsed.Channel, parsed.Data)
	if err != nil {
		return codec.Frame{}, StatsEvent{}, e.resync(channel, err)
	}

	st.cache[key] = e.appendCapped(channel, key, st.cache[key], CachedMessage{Content: recanonical, Sequence: payload.Seq}, st.maxMessagesPerKey)
	st.lastSequence = payload.Seq
	st.haveSequence = true

	bytesWith := uint64(len(deltaBytes))
	bytesWithout := uint64(len(recanonical))
	e.stats.TotalMessages++
	e.stats.DeltaMessages++
	e.stats.BytesWith += bytesWith
	e.stats.BytesWithout += bytesWithout

	ev := StatsEvent{Channel: channel, Kind: "delta", BytesWith: bytesWith, BytesWithout: bytesWithout}
	if e.debug {
		ev.ConflationKey = key
		ev.Algorithm = algorithm
		e.logger.Debug().Str("channel", channel).Str("conflation_key", key).Str("algorithm", algorithm).
			Int("base_index", baseIndex).Int64("seq", payload.Seq).Msg("delta: applied delta against cached base")
	}

	return codec.Frame{Event: parsed.Event, Channel: channel, Data: parsed.Data}, ev, nil
}

// decodeByAlgorithm dispatches to the FOSSIL or VCDIFF decoder by name. An
// unrecognized algorithm is a DeltaDecode condition, not a panic (spec
// §8 Edge Cases).
func decodeByAlgorithm(algorithm string, base, delta []byte) ([]byte, error) {
	switch algorithm {
	case "", "fossil":
		return fossil.Decode(base, delta)
	case "vcdiff", "xdelta3":
		return vcdiff.Decode(base, delta)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// Stats returns a snapshot of the process-global delta bandwidth counters
// (spec §3 DeltaStats), aggregated across every channel this engine has
// handled.
func (e *Engine) Stats() DeltaStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes the global counters without disturbing any channel's
// cache.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = DeltaStats{}
}

// invokeError reads the registered error callback under lock and invokes
// it outside the lock, so a callback that calls back into the engine
// can't deadlock.
func (e *Engine) invokeError(channel string, err error) {
	e.mu.Lock()
	cb := e.errorCallback
	e.mu.Unlock()
	if cb != nil {
		cb(channel, err)
	}
}

// invokeStats is invokeError's counterpart for the stats callback.
func (e *Engine) invokeStats(ev StatsEvent) {
	e.mu.Lock()
	cb := e.statsCallback
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Forget drops a channel's delta state, used on explicit unsubscribe.
func (e *Engine) Forget(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channel)
}

// EvictOnPressure trims every channel's conflation caches down to just the
// latest base per key, freeing most of the memory the engine holds. A
// delta against the latest base still decodes; one whose base_index points
// at a trimmed entry (the remaining base is now index 0) fails and forces a
// resync. It is wired as the
// ResourceSampler's soft-limit hint (SPEC_FULL.md's resource-aware delta
// cache eviction): a forced resync is more expensive than memory pressure
// but cheaper than the process being OOM-killed.
func (e *Engine) EvictOnPressure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.channels {
		for key, bucket := range st.cache {
			if len(bucket) > 1 {
				st.cache[key] = bucket[len(bucket)-1:]
			}
		}
	}
}
