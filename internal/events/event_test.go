package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_RaiseInOrder(t *testing.T) {
	var e Event[string]
	var got []string
	e.AddListener(func(v string) { got = append(got, "a:"+v) })
	e.AddListener(func(v string) { got = append(got, "b:"+v) })

	e.Raise("x")
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestEvent_Dispose(t *testing.T) {
	var e Event[int]
	calls := 0
	sub := e.AddListener(func(int) { calls++ })
	e.AddListener(func(int) {})
	assert.Equal(t, 2, e.Len())

	sub.Dispose()
	sub.Dispose()
	assert.Equal(t, 1, e.Len())

	e.Raise(1)
	assert.Equal(t, 0, calls)
}

func TestEvent_ListenerDisposesItself(t *testing.T) {
	var e Event[int]
	calls := 0
	var sub Subscription
	sub = e.AddListener(func(int) {
		calls++
		sub.Dispose()
	})

	e.Raise(1)
	e.Raise(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len())
}
