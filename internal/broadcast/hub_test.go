package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/linescout/pkg/types"
)

func TestPublishFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe(4)
	defer cancelA()
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	h.Publish(types.Event{Type: types.EventLineEnriched, Message: "x"})

	for _, ch := range []<-chan types.Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, types.EventLineEnriched, ev.Type)
			assert.False(t, ev.At.IsZero(), "timestamp filled in")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() {
		h.Publish(types.Event{Type: types.EventEnrichmentComplete})
	})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	slow, cancel := h.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(types.Event{Type: types.EventLineEnriched})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(9), h.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
}

func TestCloseHub(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, cancel)
	assert.NotPanics(t, func() { h.Publish(types.Event{}) })

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
