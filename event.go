// SPDX-License-Identifier: GPL-3.0-or-later

package agentobserve

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is the sole in-flight record flowing through analyzer pipelines.
//
// Events are immutable after emission: an analyzer that wants to change
// an event's data must emit a new [Event] rather than mutate the one it
// received. The zero value is not useful; construct with [NewEvent].
type Event struct {
	// ID is a UUIDv7, unique across the process lifetime of the core.
	ID string

	// TimestampNS is nanoseconds since system boot, in the probe's clock
	// domain. It is monotonic per Source.
	TimestampNS uint64

	// Source is a short tag: "ssl", "process", "system", "stats", or the
	// SourceTag of the [ProbeDriverFunc] that produced the event. A
	// [CombinedRunner] records the child runner id in data.runner_source
	// and leaves Source unchanged.
	Source string

	// PID is the originating process id. Zero for system-wide samples.
	PID int

	// Comm is the originating process's command name.
	Comm string

	// Data is the arbitrary structured payload. Well-known keys are
	// interpreted by specific analyzers; see each analyzer's doc comment.
	Data map[string]any
}

// NewEvent constructs an [Event] with a fresh UUIDv7 id.
func NewEvent(timestampNS uint64, source string, pid int, comm string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:          newEventID(),
		TimestampNS: timestampNS,
		Source:      source,
		PID:         pid,
		Comm:        comm,
		Data:        data,
	}
}

// WithData returns a copy of ev whose Data is replaced, leaving ev itself
// untouched. This is the idiom analyzers use to "modify" an event: they
// never write through ev.Data in place.
func (ev Event) WithData(data map[string]any) Event {
	ev.Data = data
	return ev
}

// eventWire is the canonical on-the-wire shape, matching the stdout sink
// format (id, timestamp_ns, source, pid, comm, data) in that field order.
type eventWire struct {
	ID          string         `json:"id"`
	TimestampNS uint64         `json:"timestamp_ns"`
	Source      string         `json:"source"`
	PID         int            `json:"pid"`
	Comm        string         `json:"comm"`
	Data        map[string]any `json:"data"`
}

// MarshalJSON implements [json.Marshaler] with the canonical field order
// used by the stdout and file sinks, so serialize-then-parse round-trips
// are bitwise reproducible.
func (ev Event) MarshalJSON() ([]byte, error) {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%q,", "id", ev.ID)
	fmt.Fprintf(&buf, "%q:%d,", "timestamp_ns", ev.TimestampNS)
	fmt.Fprintf(&buf, "%q:%q,", "source", ev.Source)
	fmt.Fprintf(&buf, "%q:%d,", "pid", ev.PID)
	fmt.Fprintf(&buf, "%q:%q,", "comm", ev.Comm)
	buf.WriteString(`"data":`)
	encodedData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	buf.Write(encodedData)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements [json.Unmarshaler].
func (ev *Event) UnmarshalJSON(raw []byte) error {
	var wire eventWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	ev.ID = wire.ID
	ev.TimestampNS = wire.TimestampNS
	ev.Source = wire.Source
	ev.PID = wire.PID
	ev.Comm = wire.Comm
	ev.Data = wire.Data
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return nil
}

// newEventID returns a fresh UUIDv7 string. Event ids and span ids share
// the same generator ([NewSpanID]) so that storage's time-bucket index
// and ordinary UUID sort order agree.
func newEventID() string {
	return NewSpanID()
}

// dataInt coerces data[key] to an int, accepting every numeric shape a
// value can arrive in: a Go int (set by code within this process, e.g.
// an upstream analyzer's own emitted event), a float64 (what
// encoding/json produces for a JSON number decoded into a plain
// map[string]any, as happens on a storage/file-sink round trip), or a
// json.Number (what a decoder configured with UseNumber produces, as
// the probe driver's line decoder is). Returns false if key is absent
// or not numeric.
func dataInt(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// dataUint64 is [dataInt]'s counterpart for timestamp_ns, which can
// exceed a 32-bit int's range.
func dataUint64(data map[string]any, key string) (uint64, bool) {
	switch v := data[key].(type) {
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}
