package evdev

import (
	"encoding/json"
	"fmt"
)

// Wire field names shared with existing senders and receivers.
const (
	FieldType  = "type"
	FieldCode  = "code"
	FieldValue = "value"
)

type wireEvent struct {
	Type  *int   `json:"type"`
	Code  *int   `json:"code"`
	Value *int32 `json:"value"`
}

// MarshalJSON encodes the event as {"type":..,"code":..,"value":..}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: &e.Type, Code: &e.Code, Value: &e.Value})
}

// UnmarshalJSON decodes the wire form. All three fields are required.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWireData, err)
	}
	if w.Type == nil || w.Code == nil || w.Value == nil {
		return fmt.Errorf("%w: event requires %q, %q and %q", ErrMalformedWireData, FieldType, FieldCode, FieldValue)
	}
	*e = Event{Type: *w.Type, Code: *w.Code, Value: *w.Value}
	return nil
}

// KeyEvent is the wire form used on routes that only carry EV_KEY events.
// The type is implied and not transmitted.
type KeyEvent struct {
	Code  int   `json:"code"`
	Value int32 `json:"value"`
}

// NewKeyEvent builds a key event for code.
func NewKeyEvent(code int, value int32) KeyEvent {
	return KeyEvent{Code: code, Value: value}
}

// KeyEventFrom converts any event into a key event, dropping its type.
func KeyEventFrom(ev Event) KeyEvent {
	return KeyEvent{Code: ev.Code, Value: ev.Value}
}

// Event returns the full EV_KEY event.
func (k KeyEvent) Event() Event {
	return Event{Type: EV_KEY, Code: k.Code, Value: k.Value}
}
