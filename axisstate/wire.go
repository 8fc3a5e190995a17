package axisstate

import (
	"fmt"
	"strconv"
)

// Filter selects which axes ToWire includes.
type Filter int

const (
	// All includes every axis.
	All Filter = iota
	// DirtyOnly includes axes changed since the last ClearDirty. Used for
	// incremental sync.
	DirtyOnly
	// NonZeroOnly includes axes with a non-zero value. Used for full
	// snapshots where zero is the implicit default.
	NonZeroOnly
)

func (f Filter) String() string {
	switch f {
	case All:
		return "all"
	case DirtyOnly:
		return "dirty"
	case NonZeroOnly:
		return "nonzero"
	default:
		return fmt.Sprintf("Filter(%d)", int(f))
	}
}

// Wire is the transmittable form of a tracker: decimal axis code -> value.
type Wire map[string]int32

// ToWire serializes the tracker's values selected by filter.
//
// With Whole granularity a dirty tracker cannot tell which axes changed, so
// DirtyOnly includes every axis once the class is dirty.
func ToWire(t *Tracker, filter Filter) Wire {
	w := Wire{}
	wholeDirty := t.cfg.Granularity == Whole && t.dirty[0]

	for code, v := range t.values {
		switch filter {
		case DirtyOnly:
			if !wholeDirty && (t.cfg.Granularity == Whole || !t.dirty[code]) {
				continue
			}
		case NonZeroOnly:
			if v == 0 {
				continue
			}
		}
		w[strconv.Itoa(code)] = v
	}

	return w
}

// FromWire builds a fresh tracker from a wire map. The result starts clean:
// dirtiness is a local change-since-last-read notion, not wire state.
func FromWire(cfg Config, w Wire) (*Tracker, error) {
	t := New(cfg)
	if _, err := t.ApplyWire(w); err != nil {
		return nil, err
	}
	t.ClearDirty()
	return t, nil
}

// ApplyWire merges a wire map into the tracker through SetValue and reports
// whether anything changed. Codes missing from w keep their value. Numeric
// codes outside the tracker's range are skipped so newer senders with larger
// code spaces stay compatible; non-numeric keys fail with
// ErrMalformedWireData and leave the tracker untouched.
func (t *Tracker) ApplyWire(w Wire) (bool, error) {
	codes := make(map[int]int32, len(w))
	for k, v := range w {
		code, err := strconv.Atoi(k)
		if err != nil {
			return false, fmt.Errorf("%w: axis key %q is not a decimal code", ErrMalformedWireData, k)
		}
		codes[code] = v
	}

	changed := false
	for code, v := range codes {
		if code < 0 || code >= len(t.values) {
			continue
		}
		ok, err := t.SetValue(code, v)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}

	return changed, nil
}
