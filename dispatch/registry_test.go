package dispatch

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"evdevsync/evdev"
)

const btnLeft = 0x110

func TestDispatch_WildcardBeforeSpecific(t *testing.T) {
	r := NewRegistry()

	var calls []string
	r.RegisterFunc(evdev.EV_KEY, btnLeft, func(evdev.Event) error {
		calls = append(calls, "specific")
		return nil
	})
	r.RegisterFunc(evdev.EV_KEY, AllCodes, func(evdev.Event) error {
		calls = append(calls, "wildcard")
		return nil
	})

	n := r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: btnLeft, Value: 1})

	if n != 2 {
		t.Fatalf("expected 2 handlers invoked, got %d", n)
	}
	if strings.Join(calls, ",") != "wildcard,specific" {
		t.Fatalf("unexpected call order %v", calls)
	}
}

func TestDispatch_WildcardOnlyForOtherCodes(t *testing.T) {
	r := NewRegistry()

	wild, specific := 0, 0
	r.RegisterFunc(evdev.EV_ABS, AllCodes, func(evdev.Event) error { wild++; return nil })
	r.RegisterFunc(evdev.EV_ABS, 0, func(evdev.Event) error { specific++; return nil })

	r.Dispatch(evdev.Event{Type: evdev.EV_ABS, Code: 1, Value: 5})

	if wild != 1 || specific != 0 {
		t.Fatalf("expected wildcard=1 specific=0, got %d %d", wild, specific)
	}
}

func TestDispatch_WildcardCodeFiresOnce(t *testing.T) {
	r := NewRegistry()

	calls := 0
	r.RegisterFunc(evdev.EV_KEY, AllCodes, func(evdev.Event) error { calls++; return nil })

	if n := r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: AllCodes, Value: 1}); n != 1 {
		t.Fatalf("Dispatch returned %d, want 1", n)
	}
	if calls != 1 {
		t.Fatalf("wildcard handler called %d times, want 1", calls)
	}
}

func TestDispatch_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()

	var got string
	r.RegisterFunc(evdev.EV_KEY, 30, func(evdev.Event) error { got = "first"; return nil })
	r.RegisterFunc(evdev.EV_KEY, 30, func(evdev.Event) error { got = "second"; return nil })

	r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: 30, Value: 1})

	if got != "second" {
		t.Fatalf("expected the later registration to win, got %q", got)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 handler, got %d", r.Len())
	}
}

func TestDispatch_FailingWildcardDoesNotStopSpecific(t *testing.T) {
	var reported []*HandlerError
	r := NewRegistry(WithErrorReporter(func(err *HandlerError) {
		reported = append(reported, err)
	}))

	boom := errors.New("boom")
	specificCalled := false
	r.RegisterFunc(evdev.EV_KEY, AllCodes, func(evdev.Event) error { return boom })
	r.RegisterFunc(evdev.EV_KEY, btnLeft, func(evdev.Event) error {
		specificCalled = true
		return nil
	})

	r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: btnLeft, Value: 1})

	if !specificCalled {
		t.Fatalf("specific handler must still run after a wildcard failure")
	}
	if len(reported) != 1 {
		t.Fatalf("expected 1 reported error, got %d", len(reported))
	}
	if !reported[0].Wildcard {
		t.Errorf("expected failure attributed to the wildcard handler")
	}
	if !errors.Is(reported[0], ErrHandlerFailure) || !errors.Is(reported[0], boom) {
		t.Errorf("expected error to wrap ErrHandlerFailure and the handler error: %v", reported[0])
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	var reported []*HandlerError
	r := NewRegistry(WithErrorReporter(func(err *HandlerError) {
		reported = append(reported, err)
	}))

	r.RegisterFunc(evdev.EV_REL, AllCodes, func(evdev.Event) error { panic("bad handler") })

	calls := 0
	r.RegisterFunc(evdev.EV_REL, 8, func(evdev.Event) error { calls++; return nil })

	// Dispatch keeps working for subsequent events.
	for i := 0; i < 3; i++ {
		r.Dispatch(evdev.Event{Type: evdev.EV_REL, Code: 8, Value: 1})
	}

	if calls != 3 {
		t.Fatalf("expected specific handler to run 3 times, got %d", calls)
	}
	if len(reported) != 3 {
		t.Fatalf("expected 3 reported panics, got %d", len(reported))
	}
	if !strings.Contains(reported[0].Error(), "bad handler") {
		t.Errorf("expected panic value in error, got %q", reported[0].Error())
	}
}

func TestDispatch_DefaultReporterLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewRegistry(WithLogger(logger))

	r.RegisterFunc(evdev.EV_KEY, btnLeft, func(evdev.Event) error { return errors.New("nope") })
	r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: btnLeft, Value: 1})

	out := buf.String()
	if !strings.Contains(out, "input event handler failed") || !strings.Contains(out, "nope") {
		t.Fatalf("expected handler failure in log output, got %q", out)
	}
}

func TestDispatch_NoHandlerIsSilentNoOp(t *testing.T) {
	r := NewRegistry()

	if n := r.Dispatch(evdev.Event{Type: evdev.EV_MSC, Code: 4, Value: 1}); n != 0 {
		t.Fatalf("expected 0 handlers, got %d", n)
	}
	if r.Unhandled() != 1 {
		t.Fatalf("expected unhandled counter 1, got %d", r.Unhandled())
	}
}

func TestDispatch_UnhandledHook(t *testing.T) {
	var seen []evdev.Event
	r := NewRegistry(WithUnhandled(func(ev evdev.Event) { seen = append(seen, ev) }))
	r.RegisterFunc(evdev.EV_KEY, AllCodes, func(evdev.Event) error { return nil })

	r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: 1, Value: 1})
	r.Dispatch(evdev.Event{Type: evdev.EV_SW, Code: 0, Value: 1})

	if len(seen) != 1 || seen[0].Type != evdev.EV_SW {
		t.Fatalf("expected only the EV_SW event to be unhandled, got %v", seen)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc(evdev.EV_KEY, 1, func(evdev.Event) error { return nil })
	r.Unregister(evdev.EV_KEY, 1)

	if n := r.Dispatch(evdev.Event{Type: evdev.EV_KEY, Code: 1}); n != 0 {
		t.Fatalf("expected no handlers after Unregister, got %d", n)
	}
}
