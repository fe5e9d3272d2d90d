package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitOrderAndOff(t *testing.T) {
	e := New[string]()
	var got []string

	first := e.On("status", func(v string) { got = append(got, "a:"+v) })
	e.On("status", func(v string) { got = append(got, "b:"+v) })

	require.Equal(t, 2, e.Emit("status", "connected"))
	assert.Equal(t, []string{"a:connected", "b:connected"}, got)

	assert.True(t, e.Off(first))
	assert.False(t, e.Off(first))

	got = nil
	require.Equal(t, 1, e.Emit("status", "destroy"))
	assert.Equal(t, []string{"b:destroy"}, got)
}

func TestOnceRunsOnlyOnce(t *testing.T) {
	var e Emitter[int]
	calls := 0
	e.Once("tick", func(int) { calls++ })

	e.Emit("tick", 1)
	e.Emit("tick", 2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len("tick"))
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	e := New[int]()
	var sub Subscription
	calls := 0
	sub = e.On("x", func(int) {
		calls++
		e.Off(sub)
	})

	e.Emit("x", 1)
	e.Emit("x", 2)
	assert.Equal(t, 1, calls)
}

func TestClear(t *testing.T) {
	e := New[int]()
	e.On("a", func(int) {})
	e.On("b", func(int) {})
	e.Clear()

	assert.Zero(t, e.Emit("a", 1))
	assert.Zero(t, e.Emit("b", 1))
}
