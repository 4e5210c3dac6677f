// Package codec implements C1: translation between wire frames and typed
// events, per spec §4.1. It also owns the canonical re-serialization of a
// message used as a delta base (spec §4.5 / §9 "Canonicalization of base
// messages"), since the same {event, channel, data} shape is shared by both
// concerns.
package codec

import (
	"encoding/json"
	"strings"
)

// SystemEventPrefix marks frames consumed by the connection manager and
// never delivered to user callbacks (spec §4.1).
const SystemEventPrefix = "pusher:"

// InternalEventPrefix marks server-originated frames consumed by the
// channel manager (subscription results, presence membership).
const InternalEventPrefix = "pusher_internal:"

// ClientEventPrefix marks client-originated events, only valid on private
// and presence channels.
const ClientEventPrefix = "client-"

// Frame is the wire-level envelope: one JSON object per message, per
// spec §6. Data is accepted as either a JSON string or a nested object and
// is always normalized to json.RawMessage holding the object form.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Auxiliary fields that ride on the envelope for delta-compressed
	// messages (spec §4.1: "MUST preserve and propagate... previous
	// published failures were traced to silently dropping them").
	Sequence      *int64  `json:"sequence,omitempty"`
	ConflationKey *string `json:"conflation_key,omitempty"`
	BaseIndex     *int    `json:"base_index,omitempty"`
	Algorithm     *string `json:"algorithm,omitempty"`
}

// wireFrame is the on-the-wire shape: data may arrive as a JSON string
// (the common case) or, from some servers, as a nested object.
type wireFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	Sequence      *int64  `json:"sequence,omitempty"`
	ConflationKey *string `json:"conflation_key,omitempty"`
	BaseIndex     *int    `json:"base_index,omitempty"`
	Algorithm     *string `json:"algorithm,omitempty"`
}

// Decode parses one inbound wire frame. The data field is accepted as
// either a JSON string (unwrapped into raw bytes) or a nested JSON object
// (used as-is), per spec §6: "servers sometimes send it as a nested
// object — accept both."
func Decode(raw []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return Frame{}, err
	}

	data := w.Data
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Frame{}, err
		}
		if s == "" {
			data = nil
		} else {
			data = json.RawMessage(s)
		}
	}

	return Frame{
		Event:         w.Event,
		Channel:       w.Channel,
		Data:          data,
		Sequence:      w.Sequence,
		ConflationKey: w.ConflationKey,
		BaseIndex:     w.BaseIndex,
		Algorithm:     w.Algorithm,
	}, nil
}

// Encode serializes an outbound frame. Per Pusher Channels wire convention,
// data is encoded as a JSON-string-of-JSON so the envelope round-trips
// through servers that only understand scalar data fields.
func Encode(f Frame) ([]byte, error) {
	var dataStr json.RawMessage
	if len(f.Data) > 0 {
		encoded, err := json.Marshal(string(f.Data))
		if err != nil {
			return nil, err
		}
		dataStr = encoded
	}

	w := wireFrame{
		Event:         f.Event,
		Channel:       f.Channel,
		Data:          dataStr,
		Sequence:      f.Sequence,
		ConflationKey: f.ConflationKey,
		BaseIndex:     f.BaseIndex,
		Algorithm:     f.Algorithm,
	}
	return json.Marshal(w)
}

// IsSystemEvent reports whether an event name is a pusher: system frame.
func IsSystemEvent(event string) bool {
	return strings.HasPrefix(event, SystemEventPrefix)
}

// IsInternalEvent reports whether an event name is a pusher_internal: frame.
func IsInternalEvent(event string) bool {
	return strings.HasPrefix(event, InternalEventPrefix)
}

// IsClientEvent reports whether an event name is a client-originated event.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// deltaMetadataFields are the nested data-object keys the server strips
// before computing a delta base (spec §4.5/§9).
var deltaMetadataFields = []string{"__delta_seq", "__delta_full", "__delta_base_seq", "__conflation_key"}

// Canonicalize produces the exact byte serialization the server used as a
// delta base: {event, channel, data} with data's delta-metadata fields
// stripped, in a stable field order. Any deviation here causes every
// subsequent delta on the channel to fail to apply (spec §9), so this is
// the single function the delta engine must call before caching a base and
// before re-deriving one from a decoded delta.
func Canonicalize(event, channel string, data json.RawMessage) ([]byte, error) {
	cleaned := data
	if len(data) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err == nil {
			// Only object-shaped data carries delta metadata; scalars and
			// arrays pass through untouched.
			changed := false
			for _, field := range deltaMetadataFields {
				if _, ok := obj[field]; ok {
					delete(obj, field)
					changed = true
				}
			}
			if changed {
				reencoded, err := marshalStableObject(obj)
				if err != nil {
					return nil, err
				}
				cleaned = reencoded
			}
		}
	}

	type canonical struct {
		Event   string          `json:"event"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
	return json.Marshal(canonical{Event: event, Channel: channel, Data: cleaned})
}

// marshalStableObject re-encodes a map[string]json.RawMessage with keys in
// sorted order, so repeated canonicalization of the same logical object is
// byte-for-byte stable (encoding/json already sorts map keys on Marshal,
// this helper exists so the intent is explicit and testable in isolation).
func marshalStableObject(obj map[string]json.RawMessage) ([]byte, error) {
	return json.Marshal(obj)
}
