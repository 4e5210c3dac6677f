package dispatch

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinrt/channels-go/internal/codec"
)

func newTestDispatcher(onPanic func(string, any)) *Dispatcher {
	return New(zerolog.Nop(), onPanic)
}

func TestDispatch_PerEventAndGlobal(t *testing.T) {
	d := newTestDispatcher(nil)

	var perEvent, global []string
	var mu sync.Mutex

	d.Bind("px", func(f codec.Frame) {
		mu.Lock()
		defer mu.Unlock()
		perEvent = append(perEvent, f.Event)
	})
	d.BindGlobal(func(f codec.Frame) {
		mu.Lock()
		defer mu.Unlock()
		global = append(global, f.Event)
	})

	d.Dispatch(codec.Frame{Event: "px"})
	d.Dispatch(codec.Frame{Event: "other"})

	assert.Equal(t, []string{"px"}, perEvent)
	assert.Equal(t, []string{"px", "other"}, global)
}

func TestUnbind_RemovesOnlyThatCallback(t *testing.T) {
	d := newTestDispatcher(nil)

	var calledA, calledB bool
	idA := d.Bind("evt", func(codec.Frame) { calledA = true })
	d.Bind("evt", func(codec.Frame) { calledB = true })

	d.Unbind("evt", idA)
	d.Dispatch(codec.Frame{Event: "evt"})

	assert.False(t, calledA)
	assert.True(t, calledB)
}

func TestUnbindEvent_ClearsAllCallbacksForEvent(t *testing.T) {
	d := newTestDispatcher(nil)
	called := false
	d.Bind("evt", func(codec.Frame) { called = true })
	d.Bind("evt", func(codec.Frame) { called = true })

	d.UnbindEvent("evt")
	d.Dispatch(codec.Frame{Event: "evt"})
	assert.False(t, called)
}

func TestUnbindGlobal_RemovesOnlyThatCallback(t *testing.T) {
	d := newTestDispatcher(nil)
	var calledA, calledB bool
	idA := d.BindGlobal(func(codec.Frame) { calledA = true })
	d.BindGlobal(func(codec.Frame) { calledB = true })

	d.UnbindGlobal(idA)
	d.Dispatch(codec.Frame{Event: "evt"})

	assert.False(t, calledA)
	assert.True(t, calledB)
}

func TestUnbindAll_ClearsEverything(t *testing.T) {
	d := newTestDispatcher(nil)
	called := false
	d.Bind("evt", func(codec.Frame) { called = true })
	d.BindGlobal(func(codec.Frame) { called = true })

	d.UnbindAll()
	d.Dispatch(codec.Frame{Event: "evt"})
	assert.False(t, called)
}

func TestDispatch_ReentrantBindDuringCallback(t *testing.T) {
	d := newTestDispatcher(nil)
	secondCalled := false

	d.Bind("evt", func(codec.Frame) {
		d.Bind("evt", func(codec.Frame) { secondCalled = true })
	})

	d.Dispatch(codec.Frame{Event: "evt"})
	assert.False(t, secondCalled, "callback bound mid-dispatch must not run in the same pass")

	d.Dispatch(codec.Frame{Event: "evt"})
	assert.True(t, secondCalled, "it must run on the next dispatch")
}

func TestDispatch_ReentrantUnbindDuringCallback(t *testing.T) {
	d := newTestDispatcher(nil)
	var calls int

	var idB ID
	d.Bind("evt", func(codec.Frame) {
		calls++
		d.Unbind("evt", idB)
	})
	idB = d.Bind("evt", func(codec.Frame) {
		calls++
	})

	d.Dispatch(codec.Frame{Event: "evt"})
	assert.Equal(t, 2, calls, "both callbacks run in the snapshot even though one unbinds the other mid-pass")

	calls = 0
	d.Dispatch(codec.Frame{Event: "evt"})
	assert.Equal(t, 1, calls, "the unbound callback must not run on the next dispatch")
}

func TestDispatch_PanicIsRecoveredAndReported(t *testing.T) {
	var gotEvent string
	var gotValue any
	d := newTestDispatcher(func(event string, value any) {
		gotEvent = event
		gotValue = value
	})

	d.Bind("evt", func(codec.Frame) { panic("boom") })

	require.NotPanics(t, func() {
		d.Dispatch(codec.Frame{Event: "evt"})
	})
	assert.Equal(t, "evt", gotEvent)
	assert.Equal(t, "boom", gotValue)
}
