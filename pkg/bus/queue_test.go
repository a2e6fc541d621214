package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/types"
)

func qmsg(id string, priority types.MessagePriority) *types.Message {
	return &types.Message{
		ID:       id,
		Type:     "test",
		Sender:   "sender",
		Priority: priority,
		SentAt:   time.Now(),
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "work",
		Type:     types.QueuePriority,
		Delivery: types.DeliverAtMostOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("m-low", types.PriorityLow)))
	require.NoError(t, q.Enqueue(qmsg("m-normal", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(qmsg("m-critical", types.PriorityCritical)))
	require.NoError(t, q.Enqueue(qmsg("m-high", types.PriorityHigh)))

	var got []string
	for i := 0; i < 4; i++ {
		m, err := q.Dequeue("worker")
		require.NoError(t, err)
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"m-critical", "m-high", "m-normal", "m-low"}, got)
}

func TestQueuePriorityTiesKeepInsertionOrder(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "work",
		Type:     types.QueuePriority,
		Delivery: types.DeliverAtMostOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("first", types.PriorityHigh)))
	require.NoError(t, q.Enqueue(qmsg("second", types.PriorityHigh)))

	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	assert.Equal(t, "first", m.ID)
}

func TestQueueLIFO(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "stack",
		Type:     types.QueueLIFO,
		Delivery: types.DeliverAtMostOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("a", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(qmsg("b", types.PriorityNormal)))

	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	assert.Equal(t, "b", m.ID)
}

func TestQueueDelayHoldsUntilDue(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "timers",
		Type:     types.QueueDelay,
		Delivery: types.DeliverAtMostOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.EnqueueDelayed(qmsg("later", types.PriorityNormal), 30*time.Millisecond))

	_, err = q.Dequeue("worker")
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	assert.Equal(t, "later", m.ID)
}

func TestQueueCapacity(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{Name: "small", Capacity: 1})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("fits", types.PriorityNormal)))
	err = q.Enqueue(qmsg("overflow", types.PriorityNormal))
	assert.Error(t, err)
}

func TestQueueExpiredMessagesDropped(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{Name: "work"})
	require.NoError(t, err)

	expired := qmsg("stale", types.PriorityNormal)
	expired.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, q.Enqueue(expired))
	require.NoError(t, q.Enqueue(qmsg("fresh", types.PriorityNormal)))

	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	assert.Equal(t, "fresh", m.ID)
	assert.Equal(t, 0, q.Depth())
}

func TestQueueInflightUntilAck(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "work",
		Delivery: types.DeliverAtLeastOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("m1", types.PriorityNormal)))

	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	assert.Equal(t, 0, q.Depth())

	// unacked delivery comes back after the visibility timeout
	assert.Equal(t, 1, q.ReleaseExpired(0))
	assert.Equal(t, 1, q.Depth())

	m, err = q.Dequeue("worker")
	require.NoError(t, err)
	require.NoError(t, q.Ack(m.ID, "worker"))
	assert.Equal(t, 0, q.ReleaseExpired(0))
}

func TestQueueAckWithoutDelivery(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{Name: "work"})
	require.NoError(t, err)
	assert.Error(t, q.Ack("missing", "worker"))
}

func TestQueueExactlyOnceDedupe(t *testing.T) {
	q, err := NewQueue(types.QueueConfig{
		Name:     "work",
		Delivery: types.DeliverExactlyOnce,
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(qmsg("m1", types.PriorityNormal)))
	m, err := q.Dequeue("worker")
	require.NoError(t, err)
	require.NoError(t, q.Ack(m.ID, "worker"))

	// a redelivered copy is invisible to the same subscriber but not to
	// a different one
	require.NoError(t, q.Enqueue(qmsg("m1", types.PriorityNormal)))
	_, err = q.Dequeue("worker")
	assert.Error(t, err)

	require.NoError(t, q.Enqueue(qmsg("m1", types.PriorityNormal)))
	m, err = q.Dequeue("other")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
}

func TestQueueValidation(t *testing.T) {
	_, err := NewQueue(types.QueueConfig{})
	assert.Error(t, err)

	_, err = NewQueue(types.QueueConfig{Name: "x", Type: "ring"})
	assert.Error(t, err)
}
