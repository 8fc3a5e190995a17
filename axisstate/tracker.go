// Package axisstate tracks the current value of input device axes and which
// of them changed since a consumer last looked.
package axisstate

import (
	"errors"
	"fmt"

	"evdevsync/evdev"
)

// ErrOutOfRange reports an axis code outside a tracker's configured bound.
var ErrOutOfRange = errors.New("axis code out of range")

// ErrMalformedWireData is shared with the evdev package so callers can test
// for one sentinel regardless of which layer rejected the data.
var ErrMalformedWireData = evdev.ErrMalformedWireData

// Variant selects how SetValue interprets incoming values.
type Variant int

const (
	// Absolute axes report their current reading; equal readings are not changes.
	Absolute Variant = iota
	// Relative axes report deltas that accumulate until flushed.
	Relative
)

func (v Variant) String() string {
	switch v {
	case Absolute:
		return "absolute"
	case Relative:
		return "relative"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Granularity selects per-axis dirty markers or one marker for the whole class.
type Granularity int

const (
	PerAxis Granularity = iota
	Whole
)

func (g Granularity) String() string {
	switch g {
	case PerAxis:
		return "per_axis"
	case Whole:
		return "whole"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// ParseGranularity parses the config spelling of a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", "per_axis":
		return PerAxis, nil
	case "whole":
		return Whole, nil
	default:
		return PerAxis, fmt.Errorf("invalid granularity: %s (must be per_axis or whole)", s)
	}
}

// Config describes one axis class.
type Config struct {
	Type        int // event type this tracker accepts, e.g. evdev.EV_ABS
	Count       int // number of codes, e.g. evdev.AbsCount
	Variant     Variant
	Granularity Granularity
}

// Tracker maps axis codes to values and tracks dirtiness.
//
// A Tracker is not safe for concurrent use; DeviceState wraps three of them
// behind a mutex.
type Tracker struct {
	cfg    Config
	values []int32
	dirty  []bool // len Count for PerAxis, 1 for Whole
}

// New allocates a zeroed, clean tracker. It panics if cfg.Count is not positive.
func New(cfg Config) *Tracker {
	if cfg.Count <= 0 {
		panic(fmt.Sprintf("axisstate: invalid axis count %d", cfg.Count))
	}

	n := cfg.Count
	if cfg.Granularity == Whole {
		n = 1
	}

	return &Tracker{
		cfg:    cfg,
		values: make([]int32, cfg.Count),
		dirty:  make([]bool, n),
	}
}

func (t *Tracker) Config() Config { return t.cfg }
func (t *Tracker) Type() int      { return t.cfg.Type }
func (t *Tracker) Len() int       { return len(t.values) }

func (t *Tracker) check(code int) error {
	if code < 0 || code >= len(t.values) {
		return fmt.Errorf("%w: code %d, type %s has %d axes", ErrOutOfRange, code, evdev.TypeName(t.cfg.Type), len(t.values))
	}
	return nil
}

func (t *Tracker) markDirty(code int) {
	if t.cfg.Granularity == Whole {
		t.dirty[0] = true
		return
	}
	t.dirty[code] = true
}

// Value returns the last known value of an axis.
func (t *Tracker) Value(code int) (int32, error) {
	if err := t.check(code); err != nil {
		return 0, err
	}
	return t.values[code], nil
}

// SetValue applies a value to an axis and reports whether it changed.
//
// Absolute trackers replace the value and only mark the axis dirty when the
// value differs. Relative trackers add value to the accumulator.
func (t *Tracker) SetValue(code int, value int32) (bool, error) {
	if err := t.check(code); err != nil {
		return false, err
	}

	switch t.cfg.Variant {
	case Relative:
		if value == 0 {
			return false, nil
		}
		t.values[code] += value
	default:
		if t.values[code] == value {
			return false, nil
		}
		t.values[code] = value
	}

	t.markDirty(code)
	return true, nil
}

// Update applies ev if its type matches this tracker, and is a no-op otherwise.
func (t *Tracker) Update(ev evdev.Event) (bool, error) {
	if ev.Type != t.cfg.Type {
		return false, nil
	}
	return t.SetValue(ev.Code, ev.Value)
}

// ClearDirty resets dirty markers without touching values.
func (t *Tracker) ClearDirty() {
	clear(t.dirty)
}

// IsDirty reports whether any axis changed since the last ClearDirty.
func (t *Tracker) IsDirty() bool {
	for _, d := range t.dirty {
		if d {
			return true
		}
	}
	return false
}

// IsDirtyCode reports whether an axis changed since the last ClearDirty.
// With Whole granularity it reports the class-wide marker.
func (t *Tracker) IsDirtyCode(code int) (bool, error) {
	if err := t.check(code); err != nil {
		return false, err
	}
	if t.cfg.Granularity == Whole {
		return t.dirty[0], nil
	}
	return t.dirty[code], nil
}

// Zero resets all values and dirty markers to a clean baseline.
func (t *Tracker) Zero() {
	clear(t.values)
	clear(t.dirty)
}

// Flush resets all values but leaves dirty markers alone. It is used after a
// reader consumed accumulated relative deltas.
func (t *Tracker) Flush() {
	clear(t.values)
}

// IsNonZero reports whether any axis holds a non-zero value.
func (t *Tracker) IsNonZero() bool {
	for _, v := range t.values {
		if v != 0 {
			return true
		}
	}
	return false
}

// Values returns a copy of all axis values indexed by code.
func (t *Tracker) Values() []int32 {
	out := make([]int32, len(t.values))
	copy(out, t.values)
	return out
}
