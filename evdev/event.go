// Package evdev decodes and encodes raw Linux input event records.
//
// A record is the 24-byte struct input_event from <linux/input.h> as it is
// laid out on 64-bit little-endian hosts:
//
//	struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
//
// The timeval header is not interpreted.
package evdev

import (
	"errors"
	"fmt"
)

// Raw record layout.
const (
	RecordSize  = 24
	OffsetType  = 16
	OffsetCode  = 18
	OffsetValue = 20
)

var (
	// ErrMalformedRecord reports a raw buffer that cannot be decoded.
	ErrMalformedRecord = errors.New("malformed input record")

	// ErrMalformedWireData reports a wire structure that cannot be decoded.
	ErrMalformedWireData = errors.New("malformed wire data")
)

// Event is a decoded input event. Type and code are unsigned 16-bit in the
// kernel struct; they are kept as int to avoid sign issues in callers.
type Event struct {
	Type  int
	Code  int
	Value int32
}

// Decode turns a raw record into an Event. Only the first RecordSize bytes are read.
func Decode(buf []byte) (Event, error) {
	if len(buf) < RecordSize {
		return Event{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedRecord, len(buf), RecordSize)
	}

	ev := Event{
		Type:  int(sliceToInt16(buf, OffsetType)),
		Code:  int(sliceToInt16(buf, OffsetCode)),
		Value: sliceToInt32(buf, OffsetValue),
	}

	// Type and code spaces are non-negative; a negative value means the
	// buffer is not an input_event.
	if ev.Type < 0 || ev.Code < 0 {
		return Event{}, fmt.Errorf("%w: negative type/code (%d, %d)", ErrMalformedRecord, ev.Type, ev.Code)
	}

	return ev, nil
}

// Encode returns a new raw record for ev with a zeroed time header.
func Encode(ev Event) []byte {
	buf := make([]byte, RecordSize)
	putInt16(buf, OffsetType, int16(ev.Type))
	putInt16(buf, OffsetCode, int16(ev.Code))
	putInt32(buf, OffsetValue, ev.Value)
	return buf
}

// EncodeTo writes ev into buf, which must hold at least RecordSize bytes.
// The time header of buf is left untouched.
func EncodeTo(buf []byte, ev Event) error {
	if len(buf) < RecordSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrMalformedRecord, len(buf), RecordSize)
	}
	putInt16(buf, OffsetType, int16(ev.Type))
	putInt16(buf, OffsetCode, int16(ev.Code))
	putInt32(buf, OffsetValue, ev.Value)
	return nil
}

// String renders the event with symbolic names where they are known.
func (e Event) String() string {
	return fmt.Sprintf("%s %s %d", TypeName(e.Type), CodeName(e.Type, e.Code), e.Value)
}

// Fields are stored little-endian regardless of host byte order, so bytes
// are assembled explicitly.

func sliceToInt16(buf []byte, start int) int16 {
	return int16(uint16(buf[start]) | uint16(buf[start+1])<<8)
}

func sliceToInt32(buf []byte, start int) int32 {
	return int32(uint32(buf[start]) | uint32(buf[start+1])<<8 |
		uint32(buf[start+2])<<16 | uint32(buf[start+3])<<24)
}

func putInt16(buf []byte, start int, v int16) {
	buf[start] = byte(v)
	buf[start+1] = byte(uint16(v) >> 8)
}

func putInt32(buf []byte, start int, v int32) {
	u := uint32(v)
	buf[start] = byte(u)
	buf[start+1] = byte(u >> 8)
	buf[start+2] = byte(u >> 16)
	buf[start+3] = byte(u >> 24)
}
