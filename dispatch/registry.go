// Package dispatch routes decoded input events to handlers keyed by event
// type and code.
//
// Handlers registered with the AllCodes sentinel see every code of their
// type and run before the handler registered for the specific code:
//
//	reg := dispatch.NewRegistry(dispatch.WithLogger(logger))
//	reg.RegisterFunc(evdev.EV_ABS, dispatch.AllCodes, func(ev evdev.Event) error {
//		// every absolute axis
//		return nil
//	})
//	reg.RegisterFunc(evdev.EV_KEY, btnLeft, func(ev evdev.Event) error {
//		// left button only
//		return nil
//	})
//	reg.Dispatch(ev)
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"evdevsync/evdev"
)

// AllCodes registers a handler for every code of a type. It lies outside the
// legal code range.
const AllCodes = -1

// ErrHandlerFailure is wrapped by every HandlerError.
var ErrHandlerFailure = errors.New("input event handler failed")

// Handler handles one input event.
type Handler interface {
	HandleEvent(ev evdev.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev evdev.Event) error

func (f HandlerFunc) HandleEvent(ev evdev.Event) error { return f(ev) }

// HandlerError describes a handler that returned an error or panicked.
type HandlerError struct {
	Event    evdev.Event
	Wildcard bool // the failing handler was registered with AllCodes
	Err      error
}

func (e *HandlerError) Error() string {
	key := evdev.CodeName(e.Event.Type, e.Event.Code)
	if e.Wildcard {
		key = "*"
	}
	return fmt.Sprintf("%v: %s/%s: %v", ErrHandlerFailure, evdev.TypeName(e.Event.Type), key, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerFailure, e.Err} }

type key struct {
	typ  int
	code int
}

// Registry maps (type, code) keys to handlers. Registration is expected at
// setup and dispatch at runtime; both are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler

	logger      *slog.Logger
	onError     func(*HandlerError)
	onUnhandled func(evdev.Event)
	unhandled   atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the default error reporter.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithErrorReporter replaces the default error reporter, which logs at error level.
func WithErrorReporter(fn func(*HandlerError)) Option {
	return func(r *Registry) { r.onError = fn }
}

// WithUnhandled is called for every event no handler was registered for.
// Events without handlers are normal; this exists for diagnostics.
func WithUnhandled(fn func(evdev.Event)) Option {
	return func(r *Registry) { r.onUnhandled = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[key]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.onError == nil {
		r.onError = r.logError
	}
	return r
}

func (r *Registry) logError(err *HandlerError) {
	r.logger.Error("input event handler failed",
		"type", evdev.TypeName(err.Event.Type),
		"code", evdev.CodeName(err.Event.Type, err.Event.Code),
		"value", err.Event.Value,
		"wildcard", err.Wildcard,
		"error", err.Err)
}

// Register stores h under (typ, code). A later registration for the same key
// replaces the earlier one. Use AllCodes to match every code of typ.
func (r *Registry) Register(typ, code int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{typ, code}] = h
}

// RegisterFunc registers a function as a handler.
func (r *Registry) RegisterFunc(typ, code int, fn func(evdev.Event) error) {
	r.Register(typ, code, HandlerFunc(fn))
}

// Unregister removes the handler stored under (typ, code), if any.
func (r *Registry) Unregister(typ, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key{typ, code})
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch invokes the wildcard handler for ev.Type, then the handler for
// (ev.Type, ev.Code). Handler failures are reported and never stop dispatch.
// It returns the number of handlers invoked.
func (r *Registry) Dispatch(ev evdev.Event) int {
	r.mu.RLock()
	wildcard := r.handlers[key{ev.Type, AllCodes}]
	var specific Handler
	if ev.Code != AllCodes {
		specific = r.handlers[key{ev.Type, ev.Code}]
	}
	r.mu.RUnlock()

	n := 0
	if wildcard != nil {
		r.invoke(wildcard, ev, true)
		n++
	}
	if specific != nil {
		r.invoke(specific, ev, false)
		n++
	}

	if n == 0 {
		r.unhandled.Add(1)
		if r.onUnhandled != nil {
			r.onUnhandled(ev)
		}
	}
	return n
}

// Unhandled returns how many dispatched events had no handler.
func (r *Registry) Unhandled() uint64 {
	return r.unhandled.Load()
}

func (r *Registry) invoke(h Handler, ev evdev.Event, wildcard bool) {
	defer func() {
		if p := recover(); p != nil {
			r.onError(&HandlerError{Event: ev, Wildcard: wildcard, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	if err := h.HandleEvent(ev); err != nil {
		r.onError(&HandlerError{Event: ev, Wildcard: wildcard, Err: err})
	}
}
