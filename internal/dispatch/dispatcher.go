// Package dispatch implements C6: the registry of per-event and global
// event callbacks (spec §4.6). The same Dispatcher type backs both a
// channel's per-event bindings and a client's global bindings; callers
// choose which by how they wire it in.
//
// Snapshots are copy-on-write, mirroring the subscriber-index pattern used
// elsewhere in this codebase: Bind/Unbind take a lock and swap an
// immutable slice, Dispatch reads the current slice without a lock. This
// is what lets a callback itself call Bind or Unbind without deadlocking
// or racing the in-flight dispatch loop.
package dispatch

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/odinrt/channels-go/internal/codec"
)

// Callback receives one delivered event. Panics and errors are recovered
// by the dispatcher and never propagate to the caller of Dispatch.
type Callback func(frame codec.Frame)

// ID identifies a single bound callback, returned by Bind/BindGlobal so
// the caller can later remove exactly that binding.
type ID uint64

type entry struct {
	id ID
	fn Callback
}

// Dispatcher holds per-event callback lists plus a global list invoked on
// every dispatched event, regardless of event name.
type Dispatcher struct {
	mu      sync.Mutex
	nextID  uint64
	events  map[string]*atomic.Value // event name -> []entry snapshot
	global  atomic.Value             // []entry snapshot
	logger  zerolog.Logger
	onPanic func(event string, value any)
}

// New constructs an empty dispatcher. onPanic, if non-nil, is invoked
// whenever a callback panics or returns a recovered error; it is the
// caller's hook for turning that into a CallbackError.
func New(logger zerolog.Logger, onPanic func(event string, value any)) *Dispatcher {
	d := &Dispatcher{
		events:  make(map[string]*atomic.Value),
		logger:  logger,
		onPanic: onPanic,
	}
	d.global.Store([]entry{})
	return d
}

func loadEntries(v *atomic.Value) []entry {
	if v == nil {
		return nil
	}
	if s, ok := v.Load().([]entry); ok {
		return s
	}
	return nil
}

// Bind registers cb for event, returning an ID usable with Unbind.
func (d *Dispatcher) Bind(event string, cb Callback) ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := ID(d.nextID)

	v, ok := d.events[event]
	if !ok {
		v = &atomic.Value{}
		v.Store([]entry{})
		d.events[event] = v
	}
	current := loadEntries(v)
	next := make([]entry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, entry{id: id, fn: cb})
	v.Store(next)
	return id
}

// Unbind removes a single callback bound to event by its ID.
func (d *Dispatcher) Unbind(event string, id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.events[event]
	if !ok {
		return
	}
	current := loadEntries(v)
	next := make([]entry, 0, len(current))
	for _, e := range current {
		if e.id != id {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(d.events, event)
		return
	}
	v.Store(next)
}

// UnbindEvent removes every callback bound to event.
func (d *Dispatcher) UnbindEvent(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, event)
}

// BindGlobal registers cb to receive every dispatched event.
func (d *Dispatcher) BindGlobal(cb Callback) ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := ID(d.nextID)

	current := loadEntries(&d.global)
	next := make([]entry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, entry{id: id, fn: cb})
	d.global.Store(next)
	return id
}

// UnbindGlobal removes a single global callback by its ID.
func (d *Dispatcher) UnbindGlobal(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := loadEntries(&d.global)
	next := make([]entry, 0, len(current))
	for _, e := range current {
		if e.id != id {
			next = append(next, e)
		}
	}
	d.global.Store(next)
}

// UnbindAll clears every per-event and global callback.
func (d *Dispatcher) UnbindAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = make(map[string]*atomic.Value)
	d.global.Store([]entry{})
}

// Dispatch invokes every callback bound to frame.Event, then every global
// callback, against an immutable snapshot taken before the first call —
// bindings added or removed mid-dispatch never affect the current pass.
func (d *Dispatcher) Dispatch(frame codec.Frame) {
	d.mu.Lock()
	v, ok := d.events[frame.Event]
	d.mu.Unlock()

	if ok {
		for _, e := range loadEntries(v) {
			d.invoke(frame, e)
		}
	}
	for _, e := range loadEntries(&d.global) {
		d.invoke(frame, e)
	}
}

func (d *Dispatcher) invoke(frame codec.Frame, e entry) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("event", frame.Event).Interface("panic", r).
				Str("stack_trace", string(debug.Stack())).Msg("callback panicked")
			if d.onPanic != nil {
				d.onPanic(frame.Event, r)
			}
		}
	}()
	e.fn(frame)
}
