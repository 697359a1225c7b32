package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterSubscribeAndUnsubscribe(t *testing.T) {
	var e Emitter[int]
	var got []int

	unsubA := e.Subscribe(func(v int) { got = append(got, v) })
	e.Subscribe(func(v int) { got = append(got, v*10) })
	assert.Equal(t, 2, e.Len())

	e.Emit(1)
	assert.Equal(t, []int{1, 10}, got)

	unsubA()
	unsubA()
	assert.Equal(t, 1, e.Len())

	e.Emit(2)
	assert.Equal(t, []int{1, 10, 20}, got)

	e.Clear()
	e.Emit(3)
	assert.Equal(t, []int{1, 10, 20}, got)
}

func TestEmitterHandlerMayUnsubscribeItself(t *testing.T) {
	var e Emitter[string]
	calls := 0
	var unsub func()
	unsub = e.Subscribe(func(string) {
		calls++
		unsub()
	})

	e.Emit("a")
	e.Emit("b")
	assert.Equal(t, 1, calls)
}

func TestMailboxDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	m := NewMailbox(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	m.Start()

	for i := 0; i < 100; i++ {
		require.True(t, m.Post(i))
	}
	m.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, m.Post(101))
}

func TestMailboxPostDoesNotBlockOnSlowConsumer(t *testing.T) {
	release := make(chan struct{})
	m := NewMailbox(func(int) { <-release })
	m.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Post(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked on a slow consumer")
	}
	close(release)
	m.Close()
	assert.Equal(t, 0, m.Pending())
}

func TestMailboxCloseWithoutStart(t *testing.T) {
	m := NewMailbox(func(int) {})
	m.Close()
	m.Close()
	assert.False(t, m.Post(1))
}
