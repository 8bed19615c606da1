// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package input

import (
	"encoding/binary"
	"fmt"
	"time"
)

// RecordSize is the encoded size of an [Event].
const RecordSize = 16

// Type is an input event type.
type Type uint16

// Delivered event types. Records of other types are skipped.
const (
	TypeSyn Type = 0x00
	TypeKey Type = 0x01
	TypeRel Type = 0x02
	TypeAbs Type = 0x03
)

func (t Type) known() bool {
	switch t {
	case TypeSyn, TypeKey, TypeRel, TypeAbs:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case TypeSyn:
		return "EV_SYN"
	case TypeKey:
		return "EV_KEY"
	case TypeRel:
		return "EV_REL"
	case TypeAbs:
		return "EV_ABS"
	default:
		return fmt.Sprintf("EV_%#x", uint16(t))
	}
}

// Event is a single input event.
type Event struct {
	Time  time.Time
	Type  Type
	Code  uint16
	Value int32
}

// MarshalBinary encodes the event as little endian record: seconds u32,
// microseconds u32, type u16, code u16, value i32.
func (e Event) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)

	binary.LittleEndian.PutUint32(buf[0:], uint32(e.Time.Unix()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.Time.Nanosecond()/1000))
	binary.LittleEndian.PutUint16(buf[8:], uint16(e.Type))
	binary.LittleEndian.PutUint16(buf[10:], e.Code)
	binary.LittleEndian.PutUint32(buf[12:], uint32(e.Value))

	return buf, nil
}

func decodeRecord(buf []byte) Event {
	sec := binary.LittleEndian.Uint32(buf[0:])
	usec := binary.LittleEndian.Uint32(buf[4:])

	return Event{
		Time:  time.Unix(int64(sec), int64(usec)*1000),
		Type:  Type(binary.LittleEndian.Uint16(buf[8:])),
		Code:  binary.LittleEndian.Uint16(buf[10:]),
		Value: int32(binary.LittleEndian.Uint32(buf[12:])),
	}
}

// Decode decodes all records of a frame.
//
// At a record of unknown type, decoding resumes one byte later. skipped
// counts those bytes. Trailing bytes too short for a record are not decoded,
// their number is returned as rest.
func Decode(frame []byte) (events []Event, skipped, rest int) {
	for i := 0; i < len(frame); {
		if len(frame)-i < RecordSize {
			return events, skipped, len(frame) - i
		}

		ev := decodeRecord(frame[i:])
		if !ev.Type.known() {
			skipped++
			i++

			continue
		}

		events = append(events, ev)
		i += RecordSize
	}

	return events, skipped, 0
}
