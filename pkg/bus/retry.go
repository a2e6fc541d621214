package bus

import (
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

// DeadLetterReasonRetryExhausted annotates messages that spent their
// retry budget.
const DeadLetterReasonRetryExhausted = "retry_exhausted"

// DeadLetter is a message retained for inspection after delivery gave up.
type DeadLetter struct {
	Message  types.Message `json:"message"`
	Receiver string        `json:"receiver"`
	Reason   string        `json:"reason"`
	At       time.Time     `json:"at"`
}

// retryEntry is one (message, receiver) delivery awaiting another attempt.
type retryEntry struct {
	msg      *types.Message
	receiver string
	attempts int
	nextAt   time.Time
}

// retryScheduler keeps the pending-retry list. A periodic scan in the bus
// loop reissues due deliveries with exponential backoff and dead-letters
// entries that exhaust the budget.
type retryScheduler struct {
	mu      sync.Mutex
	entries map[string]*retryEntry // key: msgID + "\x00" + receiver
	policy  types.RetryPolicy
}

func newRetryScheduler(policy types.RetryPolicy) *retryScheduler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	return &retryScheduler{entries: make(map[string]*retryEntry), policy: policy}
}

// Schedule queues a failed delivery for retry. Re-scheduling an existing
// (message, receiver) pair keeps its attempt count.
func (s *retryScheduler) Schedule(msg *types.Message, receiver string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inflightKey(msg.ID, receiver)
	if e, ok := s.entries[key]; ok {
		e.nextAt = time.Now().Add(s.backoff(e.attempts + 1))
		return
	}
	s.entries[key] = &retryEntry{
		msg:      msg,
		receiver: receiver,
		attempts: 0,
		nextAt:   time.Now().Add(s.backoff(1)),
	}
}

// Due returns entries whose backoff window elapsed, advancing their
// attempt counters. Entries past the budget are returned in exhausted.
func (s *retryScheduler) Due(now time.Time) (due []*retryEntry, exhausted []*retryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.nextAt.After(now) {
			continue
		}
		e.attempts++
		if e.attempts > s.policy.MaxAttempts {
			delete(s.entries, key)
			exhausted = append(exhausted, e)
			continue
		}
		e.nextAt = now.Add(s.backoff(e.attempts + 1))
		due = append(due, e)
	}
	return due, exhausted
}

// Resolve drops a pending retry after a successful delivery or ack.
func (s *retryScheduler) Resolve(msgID, receiver string) {
	s.mu.Lock()
	delete(s.entries, inflightKey(msgID, receiver))
	s.mu.Unlock()
}

// Pending returns the number of deliveries awaiting retry.
func (s *retryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// PendingMessages snapshots the messages awaiting retry, for persistence.
func (s *retryScheduler) PendingMessages() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []*types.Message
	for _, e := range s.entries {
		if seen[e.msg.ID] {
			continue
		}
		seen[e.msg.ID] = true
		out = append(out, e.msg)
	}
	return out
}

func (s *retryScheduler) backoff(attempt int) time.Duration {
	d := float64(s.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= s.policy.Multiplier
		if time.Duration(d) >= s.policy.MaxDelay {
			return s.policy.MaxDelay
		}
	}
	if time.Duration(d) > s.policy.MaxDelay {
		return s.policy.MaxDelay
	}
	return time.Duration(d)
}

// deadLetterBox retains rejected messages for inspection.
type deadLetterBox struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (b *deadLetterBox) Add(msg *types.Message, receiver, reason string) {
	b.mu.Lock()
	b.letters = append(b.letters, DeadLetter{
		Message:  *msg,
		Receiver: receiver,
		Reason:   reason,
		At:       time.Now(),
	})
	b.mu.Unlock()
	metrics.MessagesDeadLetteredTotal.WithLabelValues(reason).Inc()
}

// List returns a copy of the retained letters.
func (b *deadLetterBox) List() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.letters))
	copy(out, b.letters)
	return out
}
