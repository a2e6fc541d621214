package bus

import (
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

// ackTracker records which receivers still owe an acknowledgment for each
// reliable message. Records are GC'd once fully acknowledged.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]*ackRecord
}

type ackRecord struct {
	msg      *types.Message
	sentAt   time.Time
	awaiting map[string]time.Time // receiver -> deadline
}

// ackTimeout is one missed acknowledgment due for retry.
type ackTimeout struct {
	msg      *types.Message
	receiver string
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[string]*ackRecord)}
}

// Register starts waiting on acks from the listed receivers.
func (t *ackTracker) Register(msg *types.Message, receivers []string, deadline time.Time) {
	if len(receivers) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[msg.ID]
	if !ok {
		rec = &ackRecord{msg: msg, sentAt: time.Now(), awaiting: make(map[string]time.Time)}
		t.pending[msg.ID] = rec
	}
	for _, r := range receivers {
		rec.awaiting[r] = deadline
	}
}

// Ack records one receiver's acknowledgment. Returns true when the
// message is now fully acknowledged.
func (t *ackTracker) Ack(msgID, receiver string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[msgID]
	if !ok {
		return false, errdefs.NotFound("no pending acks for message %s", msgID)
	}
	if _, ok := rec.awaiting[receiver]; !ok {
		return false, errdefs.NotFound("receiver %s owes no ack for message %s", receiver, msgID)
	}
	delete(rec.awaiting, receiver)

	if len(rec.awaiting) == 0 {
		metrics.AckLatency.Observe(time.Since(rec.sentAt).Seconds())
		delete(t.pending, msgID)
		return true, nil
	}
	return false, nil
}

// Expired collects receivers past their ack deadline and re-arms them
// with the next deadline so a slow retry does not double-fire.
func (t *ackTracker) Expired(now time.Time, nextDeadline time.Time) []ackTimeout {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ackTimeout
	for _, rec := range t.pending {
		for receiver, deadline := range rec.awaiting {
			if deadline.After(now) {
				continue
			}
			rec.awaiting[receiver] = nextDeadline
			out = append(out, ackTimeout{msg: rec.msg, receiver: receiver})
			metrics.TimeoutsTotal.WithLabelValues("ack").Inc()
		}
	}
	return out
}

// Drop abandons all pending acks for a message, e.g. after dead-lettering.
func (t *ackTracker) Drop(msgID, receiver string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[msgID]
	if !ok {
		return
	}
	delete(rec.awaiting, receiver)
	if len(rec.awaiting) == 0 {
		delete(t.pending, msgID)
	}
}

// PendingFor returns how many receivers still owe acks for a message.
func (t *ackTracker) PendingFor(msgID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pending[msgID]
	if !ok {
		return 0
	}
	return len(rec.awaiting)
}
