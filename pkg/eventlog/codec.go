package eventlog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// Wire format. Every persisted record starts with its symbolic type id
// (length-prefixed), followed by field entries:
//
//	[idlen u16][type id bytes] ([field u8][len u32][value bytes])*
//
// Field numbers are part of the contract and must never be reused.
// Unknown fields are skipped on decode so newer writers stay readable.
const (
	TypeTransitionEvent = "grainflow.transition-event"
	TypeSnapshot        = "grainflow.snapshot"
)

// TransitionEvent field numbers.
const (
	fieldEventFrom          = 0
	fieldEventTo            = 1
	fieldEventTrigger       = 2
	fieldEventTimestamp     = 3
	fieldEventCorrelationID = 4
	fieldEventDedupeKey     = 5
	fieldEventDefVersion    = 6
	fieldEventMetadata      = 7
)

// Snapshot field numbers.
const (
	fieldSnapState      = 0
	fieldSnapAt         = 1
	fieldSnapCount      = 2
	fieldSnapLastSeq    = 3
	fieldSnapDefVersion = 4
	fieldSnapReminders  = 5
)

type fieldWriter struct {
	buf []byte
}

func newFieldWriter(typeID string) *fieldWriter {
	w := &fieldWriter{}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(typeID)))
	w.buf = append(w.buf, typeID...)
	return w
}

func (w *fieldWriter) bytes(field uint8, value []byte) {
	w.buf = append(w.buf, field)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(value)))
	w.buf = append(w.buf, value...)
}

func (w *fieldWriter) str(field uint8, value string) {
	if value == "" {
		return
	}
	w.bytes(field, []byte(value))
}

func (w *fieldWriter) u64(field uint8, value uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], value)
	w.bytes(field, tmp[:])
}

func (w *fieldWriter) timestamp(field uint8, t time.Time) {
	if t.IsZero() {
		return
	}
	w.u64(field, uint64(t.UnixNano()))
}

type fieldReader struct {
	typeID string
	fields map[uint8][]byte
}

func readFields(data []byte) (*fieldReader, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("record too short")
	}
	idLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+idLen {
		return nil, fmt.Errorf("truncated type id")
	}
	r := &fieldReader{
		typeID: string(data[2 : 2+idLen]),
		fields: make(map[uint8][]byte),
	}
	rest := data[2+idLen:]
	for len(rest) > 0 {
		if len(rest) < 5 {
			return nil, fmt.Errorf("truncated field header")
		}
		field := rest[0]
		n := int(binary.LittleEndian.Uint32(rest[1:5]))
		if len(rest) < 5+n {
			return nil, fmt.Errorf("truncated field %d", field)
		}
		r.fields[field] = rest[5 : 5+n]
		rest = rest[5+n:]
	}
	return r, nil
}

func (r *fieldReader) str(field uint8) string {
	return string(r.fields[field])
}

func (r *fieldReader) u64(field uint8) uint64 {
	b := r.fields[field]
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *fieldReader) timestamp(field uint8) time.Time {
	b, ok := r.fields[field]
	if !ok || len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(b))).UTC()
}

// MarshalEvent encodes a TransitionEvent. Seq is carried by the store
// framing, not the payload.
func MarshalEvent(ev *TransitionEvent) []byte {
	w := newFieldWriter(TypeTransitionEvent)
	w.str(fieldEventFrom, ev.From)
	w.str(fieldEventTo, ev.To)
	w.str(fieldEventTrigger, ev.Trigger)
	w.timestamp(fieldEventTimestamp, ev.Timestamp)
	w.str(fieldEventCorrelationID, ev.CorrelationID)
	w.str(fieldEventDedupeKey, ev.DedupeKey)
	w.str(fieldEventDefVersion, ev.DefinitionVersion)
	if len(ev.Metadata) > 0 {
		w.bytes(fieldEventMetadata, marshalMetadata(ev.Metadata))
	}
	return w.buf
}

// UnmarshalEvent decodes a TransitionEvent payload.
func UnmarshalEvent(data []byte) (*TransitionEvent, error) {
	r, err := readFields(data)
	if err != nil {
		return nil, err
	}
	if r.typeID != TypeTransitionEvent {
		return nil, fmt.Errorf("unexpected type id %q", r.typeID)
	}
	ev := &TransitionEvent{
		From:              r.str(fieldEventFrom),
		To:                r.str(fieldEventTo),
		Trigger:           r.str(fieldEventTrigger),
		Timestamp:         r.timestamp(fieldEventTimestamp),
		CorrelationID:     r.str(fieldEventCorrelationID),
		DedupeKey:         r.str(fieldEventDedupeKey),
		DefinitionVersion: r.str(fieldEventDefVersion),
	}
	if raw, ok := r.fields[fieldEventMetadata]; ok {
		md, err := unmarshalMetadata(raw)
		if err != nil {
			return nil, err
		}
		ev.Metadata = md
	}
	return ev, nil
}

// MarshalSnapshot encodes a Snapshot.
func MarshalSnapshot(s *Snapshot) []byte {
	w := newFieldWriter(TypeSnapshot)
	w.str(fieldSnapState, s.CurrentState)
	w.timestamp(fieldSnapAt, s.LastTransitionAt)
	w.u64(fieldSnapCount, s.TransitionCount)
	w.u64(fieldSnapLastSeq, s.LastSeq)
	w.str(fieldSnapDefVersion, s.DefinitionVersion)
	if len(s.ReminderConfigs) > 0 {
		w.bytes(fieldSnapReminders, marshalReminders(s.ReminderConfigs))
	}
	return w.buf
}

// UnmarshalSnapshot decodes a Snapshot payload.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	r, err := readFields(data)
	if err != nil {
		return nil, err
	}
	if r.typeID != TypeSnapshot {
		return nil, fmt.Errorf("unexpected type id %q", r.typeID)
	}
	s := &Snapshot{
		CurrentState:      r.str(fieldSnapState),
		LastTransitionAt:  r.timestamp(fieldSnapAt),
		TransitionCount:   r.u64(fieldSnapCount),
		LastSeq:           r.u64(fieldSnapLastSeq),
		DefinitionVersion: r.str(fieldSnapDefVersion),
	}
	if raw, ok := r.fields[fieldSnapReminders]; ok {
		rs, err := unmarshalReminders(raw)
		if err != nil {
			return nil, err
		}
		s.ReminderConfigs = rs
	}
	return s, nil
}

// marshalMetadata encodes the metadata map with sorted keys:
// [count u32] ([klen u32][key][vlen u32][value])*
func marshalMetadata(md map[string]string) []byte {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendLenPrefixed(buf, k)
		buf = appendLenPrefixed(buf, md[k])
	}
	return buf
}

func unmarshalMetadata(data []byte) (map[string]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated metadata")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	rest := data[4:]
	md := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		var k, v string
		var err error
		k, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("metadata key %d: %w", i, err)
		}
		v, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("metadata value %d: %w", i, err)
		}
		md[k] = v
	}
	return md, nil
}

// marshalReminders encodes reminder configs:
// [count u32] ([name][state][trigger][timeout u64][repeating u8])*
func marshalReminders(rs []ReminderConfig) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rs)))
	for _, r := range rs {
		buf = appendLenPrefixed(buf, r.Name)
		buf = appendLenPrefixed(buf, r.State)
		buf = appendLenPrefixed(buf, r.Trigger)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timeout))
		if r.Repeating {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func unmarshalReminders(data []byte) ([]ReminderConfig, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated reminder configs")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	rest := data[4:]
	out := make([]ReminderConfig, 0, count)
	for i := uint32(0); i < count; i++ {
		var rc ReminderConfig
		var err error
		rc.Name, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("reminder %d name: %w", i, err)
		}
		rc.State, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("reminder %d state: %w", i, err)
		}
		rc.Trigger, rest, err = readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("reminder %d trigger: %w", i, err)
		}
		if len(rest) < 9 {
			return nil, fmt.Errorf("reminder %d: truncated tail", i)
		}
		rc.Timeout = time.Duration(binary.LittleEndian.Uint64(rest[0:8]))
		rc.Repeating = rest[8] == 1
		rest = rest[9:]
		out = append(out, rc)
	}
	return out, nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readLenPrefixed(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) < 4+n {
		return "", nil, fmt.Errorf("truncated value")
	}
	return string(data[4 : 4+n]), data[4+n:], nil
}
