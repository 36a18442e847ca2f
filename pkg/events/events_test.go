package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventInstanceRecovered, Instance: "replica"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventInstanceRecovered, ev.Type)
			assert.Equal(t, "replica", ev.Instance)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()

	// Overflow the slow subscriber's buffer
	for i := 0; i < 60; i++ {
		b.Publish(&Event{Type: EventWALAppended})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < 60 {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber starved, got %d of 60", received)
		}
	}

	// Slow subscriber got its buffer's worth, no more
	require.LessOrEqual(t, len(slow), 50)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventInstanceDown})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
