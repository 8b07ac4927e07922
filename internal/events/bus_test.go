package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: TypeProgress, Data: Progress{SubmissionID: "s1"}})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, TypeProgress, e.Type)
		assert.False(t, e.Time.IsZero())
		p, ok := e.Data.(Progress)
		require.True(t, ok)
		assert.Equal(t, "s1", p.SubmissionID)
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	// Publishing after an unsubscribe must not panic.
	bus.Publish(Event{Type: TypeCompleted})
	assert.Equal(t, TypeCompleted, (<-b).Type)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "first"})
	bus.Publish(Event{Type: "second"})

	assert.Equal(t, "first", (<-ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestBusConcurrentUnsubscribe(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(Event{Type: TypeProgress})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		ch, unsub := bus.Subscribe(1)
		unsub()
		for range ch {
		}
	}
	close(stop)
	wg.Wait()
}
