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

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskCreated, TaskID: "t1"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventTaskCreated, ev.Type)
			assert.Equal(t, "t1", ev.TaskID)
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
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// never read from this subscriber; its buffer fills and overflow drops
	_ = b.Subscribe()
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventTaskQueued})
	}
}
