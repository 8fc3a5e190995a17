package axisstate

import (
	"sync"

	"evdevsync/evdev"
)

// DeviceConfig sizes the trackers of a DeviceState.
type DeviceConfig struct {
	RelCount    int
	AbsCount    int
	KeyCount    int
	Granularity Granularity
}

// DefaultDeviceConfig uses the kernel's full code space for each class.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		RelCount:    evdev.RelCount,
		AbsCount:    evdev.AbsCount,
		KeyCount:    evdev.KeyCount,
		Granularity: PerAxis,
	}
}

func (c DeviceConfig) rel() Config {
	return Config{Type: evdev.EV_REL, Count: c.RelCount, Variant: Relative, Granularity: c.Granularity}
}

func (c DeviceConfig) abs() Config {
	return Config{Type: evdev.EV_ABS, Count: c.AbsCount, Variant: Absolute, Granularity: c.Granularity}
}

func (c DeviceConfig) key() Config {
	return Config{Type: evdev.EV_KEY, Count: c.KeyCount, Variant: Absolute, Granularity: c.Granularity}
}

// Snapshot is the wire form of a whole device.
type Snapshot struct {
	Rel Wire `json:"rel,omitempty"`
	Abs Wire `json:"abs,omitempty"`
	Key Wire `json:"key,omitempty"`
}

// IsEmpty reports whether the snapshot carries no axes.
func (s Snapshot) IsEmpty() bool {
	return len(s.Rel) == 0 && len(s.Abs) == 0 && len(s.Key) == 0
}

// DeviceState is the live state of one input device: relative axes, absolute
// axes and keys/buttons.
//
// One goroutine is expected to own the device's event stream and call
// Update; other goroutines read through the copying accessors. All methods
// are safe for concurrent use.
type DeviceState struct {
	mu  sync.Mutex
	cfg DeviceConfig
	rel *Tracker
	abs *Tracker
	key *Tracker
}

// NewDeviceState creates a zeroed device state.
func NewDeviceState(cfg DeviceConfig) *DeviceState {
	return &DeviceState{
		cfg: cfg,
		rel: New(cfg.rel()),
		abs: New(cfg.abs()),
		key: New(cfg.key()),
	}
}

// Config returns the configuration the state was built with.
func (d *DeviceState) Config() DeviceConfig { return d.cfg }

// Update routes ev to the matching tracker. Trackers are tried in a fixed
// order (rel, abs, key); events of other types are ignored.
func (d *DeviceState) Update(ev evdev.Event) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, t := range []*Tracker{d.rel, d.abs, d.key} {
		ok, err := t.Update(ev)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}
	return changed, nil
}

// Handles reports whether Update would route events of typ to a tracker.
func (d *DeviceState) Handles(typ int) bool {
	return typ == d.rel.Type() || typ == d.abs.Type() || typ == d.key.Type()
}

// FlushRelative resets accumulated relative deltas without clearing dirty markers.
func (d *DeviceState) FlushRelative() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rel.Flush()
}

// Rel returns the accumulated value of a relative axis.
func (d *DeviceState) Rel(code int) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rel.Value(code)
}

// Abs returns the last reading of an absolute axis.
func (d *DeviceState) Abs(code int) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abs.Value(code)
}

// Key returns the last value of a key or button (0 released, 1 pressed, 2 repeat).
func (d *DeviceState) Key(code int) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key.Value(code)
}

// Zero resets every tracker to a clean baseline. Call it when the device
// disconnects and the state is reused for a reconnect.
func (d *DeviceState) Zero() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rel.Zero()
	d.abs.Zero()
	d.key.Zero()
}

// ClearDirty clears the dirty markers of every tracker.
func (d *DeviceState) ClearDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rel.ClearDirty()
	d.abs.ClearDirty()
	d.key.ClearDirty()
}

func (d *DeviceState) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rel.IsDirty() || d.abs.IsDirty() || d.key.IsDirty()
}

func (d *DeviceState) IsNonZero() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rel.IsNonZero() || d.abs.IsNonZero() || d.key.IsNonZero()
}

// Snapshot copies the selected axes of every tracker.
func (d *DeviceState) Snapshot(filter Filter) Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(filter)
}

func (d *DeviceState) snapshotLocked(filter Filter) Snapshot {
	return Snapshot{
		Rel: ToWire(d.rel, filter),
		Abs: ToWire(d.abs, filter),
		Key: ToWire(d.key, filter),
	}
}

// Consume returns the axes changed since the last Consume, then clears dirty
// markers and flushes relative deltas in one step so no update can slip
// between the read and the reset.
func (d *DeviceState) Consume() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := d.snapshotLocked(DirtyOnly)
	d.rel.ClearDirty()
	d.abs.ClearDirty()
	d.key.ClearDirty()
	d.rel.Flush()
	return snap
}

// Apply merges a snapshot received from the wire. Missing axes keep their
// last known value. On a malformed key nothing after it is applied.
func (d *DeviceState) Apply(s Snapshot) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, p := range []struct {
		t *Tracker
		w Wire
	}{{d.rel, s.Rel}, {d.abs, s.Abs}, {d.key, s.Key}} {
		ok, err := p.t.ApplyWire(p.w)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}
	return changed, nil
}

// DeviceStateFromSnapshot builds a clean device state from a full snapshot.
func DeviceStateFromSnapshot(cfg DeviceConfig, s Snapshot) (*DeviceState, error) {
	rel, err := FromWire(cfg.rel(), s.Rel)
	if err != nil {
		return nil, err
	}
	abs, err := FromWire(cfg.abs(), s.Abs)
	if err != nil {
		return nil, err
	}
	key, err := FromWire(cfg.key(), s.Key)
	if err != nil {
		return nil, err
	}
	return &DeviceState{cfg: cfg, rel: rel, abs: abs, key: key}, nil
}
