package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"evdevsync/evdev"
)

// inputMsg is what the readers (and IPC) hand to the daemon loop.
// A non-nil Err means the device stopped delivering events.
type inputMsg struct {
	Device string
	Event  evdev.Event
	Err    error
}

// inputHealth counts malformed records per device. The daemon keeps running
// on malformed input, but a stream of them usually means the path is not an
// evdev node.
type inputHealth struct {
	device    string
	threshold int
	logger    *slog.Logger

	consecutive int
	total       uint64
	warned      bool
}

func newInputHealth(device string, threshold int, logger *slog.Logger) *inputHealth {
	return &inputHealth{device: device, threshold: threshold, logger: logger}
}

// malformed records a dropped record and reports whether this one crossed
// the threshold.
func (h *inputHealth) malformed(err error) bool {
	h.consecutive++
	h.total++
	h.logger.Debug("dropping malformed input record", "device", h.device, "error", err)

	if h.consecutive >= h.threshold && !h.warned {
		h.warned = true
		h.logger.Warn("input device keeps producing malformed records",
			"device", h.device, "consecutive", h.consecutive, "total", h.total)
		return true
	}
	return false
}

func (h *inputHealth) ok() {
	if h.warned {
		h.logger.Info("input device recovered", "device", h.device, "dropped", h.total)
	}
	h.consecutive = 0
	h.warned = false
}

// decodeRecord decodes one raw record and updates health. ok is false when
// the record was dropped.
func (h *inputHealth) decodeRecord(buf []byte) (evdev.Event, bool) {
	ev, err := evdev.Decode(buf)
	if err != nil {
		h.malformed(err)
		return evdev.Event{}, false
	}
	h.ok()
	return ev, true
}

// readInputEvents reads fixed-size records from r until it fails, forwarding
// decoded events to out. It runs in a dedicated goroutine and blocks on
// read operations; close r to unblock it.
//
// The final read error is delivered as an inputMsg so the daemon can reset
// the device state. io.EOF is reported as well: evdev nodes do not hit EOF
// unless the device went away.
func readInputEvents(ctx context.Context, r io.Reader, device string, out chan<- inputMsg, health *inputHealth) {
	buf := make([]byte, evdev.RecordSize)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				health.malformed(fmt.Errorf("%w: truncated record", evdev.ErrMalformedRecord))
			}
			send(ctx, out, inputMsg{Device: device, Err: fmt.Errorf("read %s: %w", device, err)})
			return
		}

		ev, ok := health.decodeRecord(buf)
		if !ok {
			continue
		}
		if !send(ctx, out, inputMsg{Device: device, Event: ev}) {
			return
		}
	}
}

func send(ctx context.Context, out chan<- inputMsg, msg inputMsg) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
