package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"evdevsync/axisstate"
	"evdevsync/dispatch"
	"evdevsync/evdev"
)

// ============================================================================
// Daemon loop
// ============================================================================
//
// The daemon goroutine is the only writer into the per-device state:
//   - input messages from the readers and IPC are applied with Update, then
//     dispatched to the registered handlers
//   - on every tick the dirty part of each device is consumed and broadcast
//   - snapshot requests (/state) are answered from the loop so they never
//     race with a tick
//   - a new WS subscriber gets its state_init as a broadcast on the same
//     queue as the deltas, so every delta after the snapshot follows it
//
// Other goroutines never touch the device map.
// ============================================================================

// StateBroadcast is emitted by the daemon loop and fanned out by the broadcaster.
type StateBroadcast interface {
	isStateBroadcast()
}

// BroadcastDelta carries the axes of one device that changed since the last tick.
type BroadcastDelta struct {
	Device string
	Delta  axisstate.Snapshot
	At     time.Time
}

// BroadcastReset tells receivers to drop everything they know about a device.
type BroadcastReset struct {
	Device string
	Reason string
	At     time.Time
}

// BroadcastInit carries a full snapshot for one subscriber that is waiting for
// its state_init.
type BroadcastInit struct {
	Subscriber *Client
	Devices    map[string]axisstate.Snapshot
	At         time.Time
}

func (BroadcastDelta) isStateBroadcast() {}
func (BroadcastReset) isStateBroadcast() {}
func (BroadcastInit) isStateBroadcast()  {}

// Reset reasons.
const (
	resetDisconnected = "disconnected"
	resetSynDropped   = "syn_dropped"
)

type snapshotRequest struct {
	reply chan map[string]axisstate.Snapshot
}

// Daemon owns the device state of every input source.
type Daemon struct {
	logger   *slog.Logger
	cfg      axisstate.DeviceConfig
	registry *dispatch.Registry

	out       chan<- StateBroadcast
	requests  chan snapshotRequest
	subscribe chan *Client
	done      <-chan struct{} // nil until Run

	devices map[string]*axisstate.DeviceState
	current string // device of the event being dispatched
}

// DaemonOptions configures NewDaemon.
type DaemonOptions struct {
	Devices      []string
	DeviceConfig axisstate.DeviceConfig
	LogUnhandled bool
}

// NewDaemon creates the daemon and registers its built-in handlers.
// Broadcasts are written to out, which must be drained by the broadcaster.
func NewDaemon(logger *slog.Logger, out chan<- StateBroadcast, opts DaemonOptions) *Daemon {
	d := &Daemon{
		logger:    logger,
		cfg:       opts.DeviceConfig,
		out:       out,
		requests:  make(chan snapshotRequest),
		subscribe: make(chan *Client),
		devices:   make(map[string]*axisstate.DeviceState),
	}

	regOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if opts.LogUnhandled {
		regOpts = append(regOpts, dispatch.WithUnhandled(func(ev evdev.Event) {
			logger.Debug("unhandled input event", "device", d.current, "event", ev.String())
		}))
	}
	d.registry = dispatch.NewRegistry(regOpts...)
	d.registerHandlers()

	for _, dev := range opts.Devices {
		d.device(dev)
	}
	return d
}

// Registry exposes the dispatch registry so extra handlers can be added
// before Run is started.
func (d *Daemon) Registry() *dispatch.Registry { return d.registry }

func (d *Daemon) registerHandlers() {
	// The kernel dropped events; the tracked state no longer matches the device.
	d.registry.RegisterFunc(evdev.EV_SYN, evdev.SYN_DROPPED, func(evdev.Event) error {
		d.resetDevice(d.current, resetSynDropped)
		return nil
	})

	d.registry.RegisterFunc(evdev.EV_KEY, dispatch.AllCodes, func(ev evdev.Event) error {
		if ev.Value == 2 {
			// autorepeat
			return nil
		}
		state := "released"
		if ev.Value != 0 {
			state = "pressed"
		}
		d.logger.Debug("key", "device", d.current, "code", evdev.CodeName(ev.Type, ev.Code), "state", state)
		return nil
	})
}

// device returns the state for name, creating it on first use. Devices only
// known through IPC are created the same way.
func (d *Daemon) device(name string) *axisstate.DeviceState {
	st, ok := d.devices[name]
	if !ok {
		st = axisstate.NewDeviceState(d.cfg)
		d.devices[name] = st
	}
	return st
}

// Run processes input until ctx is canceled or in is closed.
func (d *Daemon) Run(ctx context.Context, in <-chan inputMsg, updateHz int) error {
	if updateHz <= 0 {
		return errors.New("update rate must be positive")
	}
	d.done = ctx.Done()

	ticker := time.NewTicker(time.Second / time.Duration(updateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)", "unhandled_events", d.registry.Unhandled())
			return nil

		case msg, ok := <-in:
			if !ok {
				d.logger.Info("daemon stopping (input closed)")
				return nil
			}
			d.handleInput(msg)

		case req := <-d.requests:
			req.reply <- d.snapshotAll()

		case c := <-d.subscribe:
			d.emit(BroadcastInit{Subscriber: c, Devices: d.snapshotAll(), At: time.Now().UTC()})

		case now := <-ticker.C:
			d.flush(now)
		}
	}
}

func (d *Daemon) handleInput(msg inputMsg) {
	if msg.Err != nil {
		d.logger.Warn("input device stopped", "device", msg.Device, "error", msg.Err)
		d.resetDevice(msg.Device, resetDisconnected)
		return
	}

	st := d.device(msg.Device)
	if _, err := st.Update(msg.Event); err != nil {
		d.logger.Warn("input event rejected", "device", msg.Device, "event", msg.Event.String(), "error", err)
		return
	}

	d.current = msg.Device
	d.registry.Dispatch(msg.Event)
	d.current = ""
}

// flush broadcasts and clears the dirty part of every device.
func (d *Daemon) flush(now time.Time) {
	for _, name := range d.deviceNames() {
		delta := d.devices[name].Consume()
		if delta.IsEmpty() {
			continue
		}
		d.emit(BroadcastDelta{Device: name, Delta: delta, At: now.UTC()})
	}
}

func (d *Daemon) resetDevice(name, reason string) {
	st, ok := d.devices[name]
	if !ok {
		return
	}
	st.Zero()
	d.logger.Info("device state reset", "device", name, "reason", reason)
	d.emit(BroadcastReset{Device: name, Reason: reason, At: time.Now().UTC()})
}

func (d *Daemon) emit(b StateBroadcast) {
	if d.done == nil {
		// Not running yet: nobody is guaranteed to drain out.
		select {
		case d.out <- b:
		default:
			d.logger.Warn("broadcast dropped before daemon start", "broadcast", fmt.Sprintf("%T", b))
		}
		return
	}
	select {
	case d.out <- b:
	case <-d.done:
	}
}

// snapshotAll returns the non-zero state of every device. Relative axes are
// left out: they are motion since the last tick, not state.
func (d *Daemon) snapshotAll() map[string]axisstate.Snapshot {
	snaps := make(map[string]axisstate.Snapshot, len(d.devices))
	for name, st := range d.devices {
		s := st.Snapshot(axisstate.NonZeroOnly)
		s.Rel = nil
		snaps[name] = s
	}
	return snaps
}

func (d *Daemon) deviceNames() []string {
	names := make([]string, 0, len(d.devices))
	for name := range d.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequestSnapshot asks the daemon loop for a snapshot of every device.
func (d *Daemon) RequestSnapshot(ctx context.Context) (map[string]axisstate.Snapshot, error) {
	req := snapshotRequest{reply: make(chan map[string]axisstate.Snapshot, 1)}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snaps := <-req.reply:
		return snaps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe asks the daemon loop to snapshot every device and emit the
// snapshot for c. Deltas emitted after the snapshot are queued behind it.
func (d *Daemon) Subscribe(ctx context.Context, c *Client) error {
	select {
	case d.subscribe <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
