package delta

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinrt/channels-go/internal/codec"
)

func strPtr(s string) *string { return &s }

func TestHandleFullMessage_StripsDeltaMetadataBeforeCaching(t *testing.T) {
	e := NewEngine(nil, 10)

	data := json.RawMessage(`{"s":1,"p":100,"__delta_seq":5,"__conflation_key":"mkt"}`)
	require.NoError(t, e.HandleFullMessage("mkt-chan", "px", data, 1, strPtr("mkt")))

	st := e.channels["mkt-chan"]
	require.Len(t, st.cache["mkt"], 1)

	expected, err := codec.Canonicalize("px", "mkt-chan", json.RawMessage(`{"s":1,"p":100}`))
	require.NoError(t, err)
	assert.JSONEq(t, string(expected), string(st.cache["mkt"][0].Content))
}

func TestHandleDelta_FossilRoundTrip(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)

	base := json.RawMessage(`{"s":1,"p":100}`)
	require.NoError(t, e.HandleFullMessage("mkt", "px", base, 1, nil))

	baseCanonical, err := codec.Canonicalize("px", "mkt", base)
	require.NoError(t, err)

	target, err := codec.Canonicalize("px", "mkt", json.RawMessage(`{"s":2,"p":101}`))
	require.NoError(t, err)

	deltaBytes := buildFossilInsertDelta(t, baseCanonical, target)

	frame, err := e.HandleDelta("mkt", DeltaPayload{
		Event:     "px",
		Delta:     base64.StdEncoding.EncodeToString(deltaBytes),
		Seq:       2,
		Algorithm: "fossil",
	})
	require.NoError(t, err)
	assert.Equal(t, "px", frame.Event)
	assert.JSONEq(t, `{"s":2,"p":101}`, string(frame.Data))

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.DeltaMessages)
	assert.Equal(t, uint64(1), stats.FullMessages)
	assert.Equal(t, uint64(2), stats.TotalMessages)
	assert.Greater(t, stats.BytesWithout, uint64(0))
}

func TestStatsCallback_FiresOnEverySuccessfulMessage(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)

	var events []StatsEvent
	e.SetCallbacks(func(ev StatsEvent) { events = append(events, ev) }, nil)

	base := json.RawMessage(`{"s":1,"p":100}`)
	require.NoError(t, e.HandleFullMessage("mkt", "px", base, 1, nil))
	require.Len(t, events, 1)
	assert.Equal(t, "full", events[0].Kind)
	assert.Empty(t, events[0].ConflationKey, "conflation key only populated under DeltaDebug")

	baseCanonical, err := codec.Canonicalize("px", "mkt", base)
	require.NoError(t, err)
	target, err := codec.Canonicalize("px", "mkt", json.RawMessage(`{"s":2,"p":101}`))
	require.NoError(t, err)
	deltaBytes := buildFossilInsertDelta(t, baseCanonical, target)

	_, err = e.HandleDelta("mkt", DeltaPayload{
		Event: "px", Delta: base64.StdEncoding.EncodeToString(deltaBytes), Seq: 2, Algorithm: "fossil",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "delta", events[1].Kind)
}

func TestErrorCallback_FiresOnResyncAndIncrementsGlobalErrorCount(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)

	var gotChannel string
	var gotErr error
	e.SetCallbacks(nil, func(channel string, err error) {
		gotChannel = channel
		gotErr = err
	})

	_, err := e.HandleDelta("absent", DeltaPayload{Seq: 1})
	require.Error(t, err)
	assert.Equal(t, "absent", gotChannel)
	assert.ErrorIs(t, gotErr, ErrChannelUnknown)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestDeltaDebug_PopulatesConflationKeyAndAlgorithmOnStatsEvent(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)
	e.SetDebug(zerolog.Nop(), true)

	var events []StatsEvent
	e.SetCallbacks(func(ev StatsEvent) { events = append(events, ev) }, nil)

	require.NoError(t, e.HandleFullMessage("mkt", "px", json.RawMessage(`{"s":1}`), 1, strPtr("tier-a")))
	require.Len(t, events, 1)
	assert.Equal(t, "tier-a", events[0].ConflationKey)
}

func TestHandleDelta_UnknownChannelResyncs(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)
	_, err := e.HandleDelta("absent", DeltaPayload{Seq: 1})
	require.Error(t, err)
	var resync *ResyncError
	require.ErrorAs(t, err, &resync)
	assert.Equal(t, "absent", resync.Channel)
}

func TestHandleDelta_UnknownAlgorithmResyncs(t *testing.T) {
	e := NewEngine([]string{"fossil"}, 10)
	require.NoError(t, e.HandleFullMessage("c", "evt", json.RawMessage(`{"a":1}`), 1, nil))

	_, err := e.HandleDelta("c", DeltaPayload{Seq: 2, Algorithm: "unknown-codec", Delta: base64.StdEncoding.EncodeToString([]byte("x"))})
	require.Error(t, err)
	var resync *ResyncError
	require.ErrorAs(t, err, &resync)
	assert.ErrorIs(t, resync.Cause, ErrUnknownAlgorithm)

	// the failed delta must have cleared the channel's state entirely
	_, err = e.HandleDelta("c", DeltaPayload{Seq: 3, Algorithm: "fossil"})
	require.Error(t, err)
	require.ErrorAs(t, err, &resync)
	assert.ErrorIs(t, resync.Cause, ErrChannelUnknown)
}

func TestHandleFullMessage_NonMonotonicSequenceResyncs(t *testing.T) {
	e := NewEngine(nil, 10)
	require.NoError(t, e.HandleFullMessage("c", "evt", json.RawMessage(`{"a":1}`), 5, nil))

	err := e.HandleFullMessage("c", "evt", json.RawMessage(`{"a":2}`), 5, nil)
	require.Error(t, err)
	var resync *ResyncError
	require.ErrorAs(t, err, &resync)
	assert.ErrorIs(t, resync.Cause, ErrSequenceInvalid)

	_, ok := e.channels["c"]
	assert.False(t, ok, "resync must clear channel state")
}

func TestAppendCapped_EvictsFIFO(t *testing.T) {
	cache := []CachedMessage{{Sequence: 1}, {Sequence: 2}}
	cache = appendCapped(cache, CachedMessage{Sequence: 3}, 2)
	require.Len(t, cache, 2)
	assert.Equal(t, int64(2), cache[0].Sequence)
	assert.Equal(t, int64(3), cache[1].Sequence)
}

func TestHandleCacheSync_ReplacesChannelState(t *testing.T) {
	e := NewEngine(nil, 10)
	require.NoError(t, e.HandleFullMessage("c", "evt", json.RawMessage(`{"a":1}`), 1, nil))

	e.HandleCacheSync("c", "tier", 5, map[string][]CacheSyncEntry{
		"gold": {{Content: `{"event":"evt","channel":"c","data":{"a":9}}`, Seq: 9}},
	})

	st := e.channels["c"]
	require.Equal(t, "tier", st.conflationKeyName)
	require.Len(t, st.cache["gold"], 1)
	assert.Equal(t, int64(9), st.cache["gold"][0].Sequence)
}

func TestBuildEnableFrame_ListsConfiguredAlgorithms(t *testing.T) {
	e := NewEngine([]string{"fossil", "vcdiff"}, 10)
	require.True(t, e.EnableRequested())

	frame, err := e.BuildEnableFrame()
	require.NoError(t, err)
	assert.Equal(t, "pusher:enable_delta_compression", frame.Event)
	assert.JSONEq(t, `{"algorithms":["fossil","vcdiff"]}`, string(frame.Data))

	assert.False(t, e.Enabled())
	e.HandleEnabledAck(true, []string{"fossil"})
	assert.True(t, e.Enabled())
}

// buildFossilInsertDelta builds a trivial Fossil delta that discards base
// entirely and inserts target verbatim, sufficient to exercise the decode
// path without depending on the fossil package's internals.
func buildFossilInsertDelta(t *testing.T, base, target []byte) []byte {
	t.Helper()
	_ = base
	var buf []byte
	buf = append(buf, encodeFossilInt(uint64(len(target)))...)
	buf = append(buf, '\n')
	buf = append(buf, encodeFossilInt(uint64(len(target)))...)
	buf = append(buf, ':')
	buf = append(buf, target...)
	buf = append(buf, encodeFossilInt(uint64(fossilChecksum(target)))...)
	buf = append(buf, ';')
	return buf
}

const fossilAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

func encodeFossilInt(n uint64) []byte {
	if n == 0 {
		return []byte{fossilAlphabet[0]}
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{fossilAlphabet[n%64]}, digits...)
		n /= 64
	}
	return digits
}

func fossilChecksum(data []byte) uint32 {
	var sum uint32
	i := 0
	for ; i+4 <= len(data); i += 4 {
		sum += uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
	}
	if rem := len(data) - i; rem > 0 {
		var word [4]byte
		copy(word[:], data[i:])
		sum += uint32(word[0])<<24 | uint32(word[1])<<16 | uint32(word[2])<<8 | uint32(word[3])
	}
	return sum
}
