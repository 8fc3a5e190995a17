package main

import (
	"bytes"
	"strings"
	"testing"

	"evdevsync/axisstate"
)

func TestMirror_InitDeltaReset(t *testing.T) {
	var out bytes.Buffer
	m := newMirror(axisstate.DefaultDeviceConfig(), &out)

	// Deltas before state_init are ignored.
	if err := m.handle([]byte(`{"type":"state_delta","data":{"device":"pad","abs":{"0":1}}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(m.devices) != 0 {
		t.Fatalf("expected no state before state_init")
	}

	if err := m.handle([]byte(`{"type":"state_init","data":{"devices":{"pad":{"abs":{"0":100,"1":-5}},"kbd":{}}}}`)); err != nil {
		t.Fatalf("handle state_init: %v", err)
	}
	pad := m.devices["pad"]
	if v, _ := pad.Abs(1); v != -5 {
		t.Fatalf("Abs(1) = %d", v)
	}
	if pad.IsDirty() {
		t.Fatalf("state rebuilt from state_init must start clean")
	}
	if _, ok := m.devices["kbd"]; !ok {
		t.Fatalf("expected empty device to be known")
	}

	if err := m.handle([]byte(`{"type":"state_delta","data":{"device":"pad","rel":{"8":-1},"abs":{"0":101},"key":{"304":1}}}`)); err != nil {
		t.Fatalf("handle state_delta: %v", err)
	}
	if v, _ := pad.Abs(0); v != 101 {
		t.Fatalf("Abs(0) = %d", v)
	}
	if v, _ := pad.Abs(1); v != -5 {
		t.Fatalf("missing axis must keep its value, got %d", v)
	}
	if v, _ := pad.Rel(8); v != 0 {
		t.Fatalf("relative motion must not be kept, got %d", v)
	}
	if !strings.Contains(out.String(), "[ABS] pad ABS_X = 101") || !strings.Contains(out.String(), "[REL] pad REL_WHEEL = -1") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	if err := m.handle([]byte(`{"type":"device_reset","data":{"device":"pad","reason":"disconnected"}}`)); err != nil {
		t.Fatalf("handle device_reset: %v", err)
	}
	if pad.IsNonZero() {
		t.Fatalf("expected zero state after reset")
	}
}

func TestMirror_RejectsMalformedWireKeys(t *testing.T) {
	m := newMirror(axisstate.DefaultDeviceConfig(), &bytes.Buffer{})
	if err := m.handle([]byte(`{"type":"state_init","data":{"devices":{"pad":{"abs":{"ABS_X":1}}}}}`)); err == nil {
		t.Fatalf("expected error for non-numeric axis key")
	}
}
