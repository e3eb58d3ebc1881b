package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterOrderAndUnsubscribe(t *testing.T) {
	var e Emitter[int]
	var got []string

	unsubA := e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b"}, got)

	unsubA()
	unsubA()
	e.Emit(2)
	assert.Equal(t, []string{"a", "b", "b"}, got)
	assert.Equal(t, 1, e.Len())
}

func TestEmitterHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	var e Emitter[string]
	calls := 0

	var unsub func()
	unsub = e.Subscribe(func(string) {
		calls++
		unsub()
	})

	e.Emit("x")
	e.Emit("y")
	assert.Equal(t, 1, calls)
}
