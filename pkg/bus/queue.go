package bus

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

const dedupeCacheSize = 4096

// queueItem is one enqueued message with its scheduling state.
type queueItem struct {
	msg        *types.Message
	enqueuedAt time.Time
	deliverAt  time.Time // zero for immediate
	seq        uint64    // insertion order, stable tie-break
}

// Queue is a bounded message queue with fifo, lifo, priority or delay
// ordering and per-subscriber delivery guarantees.
type Queue struct {
	mu       sync.Mutex
	config   types.QueueConfig
	items    []*queueItem
	inflight map[string]*inflightItem          // key: msgID + "\x00" + subscriber
	dedupe   *lru.Cache[string, time.Time]     // exactly-once (msgID, subscriber)
	seq      uint64
}

type inflightItem struct {
	item       *queueItem
	subscriber string
	takenAt    time.Time
}

// NewQueue creates a queue. Capacity <= 0 means unbounded.
func NewQueue(cfg types.QueueConfig) (*Queue, error) {
	if cfg.Name == "" {
		return nil, errdefs.InvalidInput("queue name is required")
	}
	switch cfg.Type {
	case types.QueueFIFO, types.QueueLIFO, types.QueuePriority, types.QueueDelay:
	case "":
		cfg.Type = types.QueueFIFO
	default:
		return nil, errdefs.InvalidInput("unknown queue type %q", cfg.Type)
	}
	if cfg.Delivery == "" {
		cfg.Delivery = types.DeliverAtLeastOnce
	}

	dedupe, err := lru.New[string, time.Time](dedupeCacheSize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "dedupe cache for queue %s", cfg.Name)
	}
	return &Queue{
		config:   cfg,
		inflight: make(map[string]*inflightItem),
		dedupe:   dedupe,
	}, nil
}

// Config returns the queue's configuration.
func (q *Queue) Config() types.QueueConfig {
	return q.config
}

// Enqueue inserts a message according to the queue type.
func (q *Queue) Enqueue(msg *types.Message) error {
	return q.enqueue(msg, time.Time{})
}

// EnqueueDelayed inserts a message that becomes deliverable after delay.
// Only meaningful on delay queues but accepted everywhere.
func (q *Queue) EnqueueDelayed(msg *types.Message, delay time.Duration) error {
	return q.enqueue(msg, time.Now().Add(delay))
}

func (q *Queue) enqueue(msg *types.Message, deliverAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.Capacity > 0 && len(q.items) >= q.config.Capacity {
		return errdefs.CapacityExceeded("queue %s is full (%d)", q.config.Name, q.config.Capacity)
	}

	q.seq++
	item := &queueItem{msg: msg, enqueuedAt: time.Now(), deliverAt: deliverAt, seq: q.seq}

	switch q.config.Type {
	case types.QueueLIFO:
		q.items = append([]*queueItem{item}, q.items...)
	case types.QueuePriority:
		q.insertByPriorityLocked(item)
	case types.QueueDelay:
		q.insertByDeliverAtLocked(item)
	default: // fifo
		q.items = append(q.items, item)
	}

	metrics.QueueDepth.WithLabelValues(q.config.Name).Set(float64(len(q.items)))
	return nil
}

// insertByPriorityLocked keeps higher priorities first; within one
// priority, insertion order.
func (q *Queue) insertByPriorityLocked(item *queueItem) {
	rank := item.msg.Priority.Rank()
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.msg.Priority.Rank() < rank {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// insertByDeliverAtLocked keeps earliest deliverAt first.
func (q *Queue) insertByDeliverAtLocked(item *queueItem) {
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.deliverAt.After(item.deliverAt) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Dequeue hands the next deliverable message to a subscriber. Removal
// depends on the delivery mode: at-most-once removes immediately, the
// acked modes keep the item inflight until Ack.
func (q *Queue) Dequeue(subscriber string) (*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	i := 0
	for i < len(q.items) {
		item := q.items[i]
		if !item.deliverAt.IsZero() && item.deliverAt.After(now) {
			if q.config.Type == types.QueueDelay {
				break // sorted: nothing after this is due either
			}
			i++
			continue
		}
		// expired and already-delivered items are dropped in place
		if item.msg.Expired(now) {
			q.removeLocked(i)
			continue
		}
		if q.config.Delivery == types.DeliverExactlyOnce && q.isDupLocked(item.msg.ID, subscriber) {
			q.removeLocked(i)
			continue
		}

		q.removeLocked(i)
		if q.config.Delivery != types.DeliverAtMostOnce {
			q.inflight[inflightKey(item.msg.ID, subscriber)] = &inflightItem{
				item: item, subscriber: subscriber, takenAt: now,
			}
		}
		metrics.QueueDepth.WithLabelValues(q.config.Name).Set(float64(len(q.items)))
		return item.msg, nil
	}
	return nil, errdefs.NotFound("queue %s has no deliverable message", q.config.Name)
}

// Ack finalises a delivery. Exactly-once records the dedupe key so the
// same message is never handed to this subscriber again.
func (q *Queue) Ack(msgID, subscriber string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := inflightKey(msgID, subscriber)
	if _, ok := q.inflight[key]; !ok {
		return errdefs.NotFound("no inflight delivery of %s to %s on queue %s", msgID, subscriber, q.config.Name)
	}
	delete(q.inflight, key)
	if q.config.Delivery == types.DeliverExactlyOnce {
		q.dedupe.Add(key, time.Now())
	}
	return nil
}

// ReleaseExpired requeues inflight deliveries older than timeout, for the
// acked delivery modes. Returns the number requeued.
func (q *Queue) ReleaseExpired(timeout time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	released := 0
	for key, inf := range q.inflight {
		if inf.takenAt.After(cutoff) {
			continue
		}
		delete(q.inflight, key)
		q.seq++
		inf.item.seq = q.seq
		switch q.config.Type {
		case types.QueuePriority:
			q.insertByPriorityLocked(inf.item)
		case types.QueueDelay:
			q.insertByDeliverAtLocked(inf.item)
		case types.QueueLIFO:
			q.items = append([]*queueItem{inf.item}, q.items...)
		default:
			q.items = append(q.items, inf.item)
		}
		released++
	}
	if released > 0 {
		metrics.QueueDepth.WithLabelValues(q.config.Name).Set(float64(len(q.items)))
	}
	return released
}

// Depth returns the number of queued (not inflight) messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain returns and removes every queued message, oldest ordering first.
// Used by snapshot persistence.
func (q *Queue) Drain() []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Message, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.msg)
	}
	q.items = nil
	metrics.QueueDepth.WithLabelValues(q.config.Name).Set(0)
	return out
}

// Peek returns queued messages without removing them.
func (q *Queue) Peek() []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Message, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.msg)
	}
	return out
}

func (q *Queue) isDupLocked(msgID, subscriber string) bool {
	_, ok := q.dedupe.Get(inflightKey(msgID, subscriber))
	return ok
}

func (q *Queue) removeLocked(i int) {
	q.items = append(q.items[:i], q.items[i+1:]...)
}

func inflightKey(msgID, subscriber string) string {
	return msgID + "\x00" + subscriber
}
