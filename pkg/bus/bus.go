package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/transport"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Bus routes messages between agents through channels, topics and queues
// with per-message reliability guarantees.
type Bus struct {
	config     config.BusConfig
	dispatcher *Dispatcher
	codec      *Codec

	mu       sync.RWMutex
	channels map[string]*Channel
	queues   map[string]*Queue
	rules    []Rule

	subs        *SubscriptionIndex
	acks        *ackTracker
	retries     *retryScheduler
	deadLetters *deadLetterBox
	// send-side exactly-once dedupe keyed by (message id, receiver)
	dedupe *lru.Cache[string, time.Time]

	handlerMu    sync.RWMutex
	ackedHandler []func(msgID string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a bus over a transport registry.
func New(cfg config.BusConfig, reg *transport.Registry) (*Bus, error) {
	codec, err := NewCodec(cfg.Compress, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	dedupe, err := lru.New[string, time.Time](dedupeCacheSize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "build dedupe cache")
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = 10
	}

	return &Bus{
		config:     cfg,
		dispatcher: NewDispatcher(reg),
		codec:      codec,
		channels:   make(map[string]*Channel),
		queues:     make(map[string]*Queue),
		subs:       NewSubscriptionIndex(),
		acks:       newAckTracker(),
		retries: newRetryScheduler(types.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryInterval,
			Multiplier:  2,
			MaxDelay:    maxDeliveryTimeout,
		}),
		deadLetters: &deadLetterBox{},
		dedupe:      dedupe,
	}, nil
}

// Start launches the retry scan loop.
func (b *Bus) Start() {
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run()
}

// Stop halts the loop, waits for it, and writes a final snapshot.
func (b *Bus) Stop() {
	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	if err := b.Snapshot(); err != nil {
		log.WithComponent("bus").Warn().Err(err).Msg("final snapshot failed")
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// Tick runs one retry and ack-timeout scan. Exposed so tests and the
// orchestrator can force a pass without waiting for the ticker.
func (b *Bus) Tick(ctx context.Context) {
	now := time.Now()

	// Missed acks feed the retry list.
	for _, timeout := range b.acks.Expired(now, now.Add(b.config.AckTimeout)) {
		b.retries.Schedule(timeout.msg, timeout.receiver)
	}

	due, exhausted := b.retries.Due(now)
	for _, e := range exhausted {
		b.acks.Drop(e.msg.ID, e.receiver)
		b.deadLetters.Add(e.msg, e.receiver, DeadLetterReasonRetryExhausted)
		log.WithMessageID(e.msg.ID).Warn().
			Str("receiver", e.receiver).
			Int("attempts", e.attempts-1).
			Msg("delivery retries exhausted, message dead-lettered")
	}
	for _, e := range due {
		metrics.DeliveryRetriesTotal.Inc()
		if err := b.dispatcher.Deliver(ctx, e.msg, e.receiver); err != nil {
			log.WithMessageID(e.msg.ID).Debug().Err(err).Str("receiver", e.receiver).Msg("retry delivery failed")
			continue
		}
		b.retries.Resolve(e.msg.ID, e.receiver)
		if e.msg.Reliability != types.ReliabilityBestEffort {
			b.acks.Register(e.msg, []string{e.receiver}, now.Add(b.config.AckTimeout))
		}
	}
}

// SendOptions tune one send.
type SendOptions struct {
	Priority      types.MessagePriority
	Reliability   types.Reliability
	TTL           time.Duration
	CorrelationID string
	ReplyTo       string
	ContentType   string
	// Channel is the preferred channel consulted after rules and topics.
	Channel string
	// Topic routes through the subscription index.
	Topic string
}

// Send validates, routes and delivers a message. The returned message
// carries the assigned id for correlation and acknowledgment.
func (b *Bus) Send(ctx context.Context, msgType string, content []byte, sender string, receivers []string, opts SendOptions) (*types.Message, error) {
	if sender == "" {
		return nil, errdefs.InvalidInput("message sender is required")
	}
	if msgType == "" {
		return nil, errdefs.InvalidInput("message type is required")
	}
	if len(content) > b.config.MaxMessageSize {
		return nil, errdefs.InvalidInput("message size %d exceeds limit %d", len(content), b.config.MaxMessageSize)
	}
	if opts.TTL < 0 {
		return nil, errdefs.InvalidInput("message ttl must not be negative")
	}
	if opts.Priority == "" {
		opts.Priority = types.PriorityNormal
	}
	if opts.Reliability == "" {
		opts.Reliability = types.ReliabilityBestEffort
	}

	now := time.Now()
	msg := &types.Message{
		ID:            uuid.New().String(),
		Type:          msgType,
		Sender:        sender,
		Receivers:     receivers,
		Content:       content,
		ContentType:   deriveContentType(opts.ContentType, content),
		Size:          len(content),
		Priority:      opts.Priority,
		Reliability:   opts.Reliability,
		TTL:           opts.TTL,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		SentAt:        now,
		Route:         []types.Hop{{Node: "bus", Timestamp: now}},
	}
	if opts.TTL > 0 {
		msg.ExpiresAt = now.Add(opts.TTL)
	}

	var channel *Channel
	if opts.Channel != "" {
		ch, ok := b.channel(opts.Channel)
		if !ok {
			return nil, errdefs.NotFound("channel %s not found", opts.Channel)
		}
		if err := ch.CanSend(sender); err != nil {
			return nil, err
		}
		if !ch.IsMember(sender) {
			return nil, errdefs.ConflictState("agent %s is not a member of channel %s", sender, opts.Channel)
		}
		channel = ch
	}

	b.mu.RLock()
	rules := make([]Rule, len(b.rules))
	copy(rules, b.rules)
	b.mu.RUnlock()

	targets, err := resolveRoute(resolveInput{
		msg:              msg,
		preferredChannel: opts.Channel,
		topic:            opts.Topic,
		rules:            rules,
		subs:             b.subs,
		channelLookup:    b.channel,
	})
	if err != nil {
		return nil, err
	}

	// Channel middleware and filters run once, before fan-out.
	if channel != nil {
		prepared, verdict := channel.prepare(msg)
		if prepared == nil {
			log.WithMessageID(msg.ID).Debug().Str("channel", opts.Channel).Msg("message dropped by channel chain")
			return msg, nil
		}
		msg = prepared
		if verdict.Action == ActionRoute && verdict.RouteTo != "" {
			targets, err = channelTargets(resolveInput{msg: msg, channelLookup: b.channel}, verdict.RouteTo)
			if err != nil {
				return nil, err
			}
			msg.Route = append(msg.Route, types.Hop{Node: "channel:" + verdict.RouteTo, Timestamp: time.Now()})
		}
		channel.countSent()
	}

	metrics.MessagesSentTotal.WithLabelValues(string(msg.Reliability)).Inc()

	if channel != nil && channel.Config().Ordered && channel.Config().Type == types.ChannelMulticast {
		channel.sendMu.Lock()
		defer channel.sendMu.Unlock()
	}

	err = b.deliverAll(ctx, msg, targets, channel)
	return msg, err
}

// deliverAll fans a message out to its resolved targets under the
// message's reliability semantics.
func (b *Bus) deliverAll(ctx context.Context, msg *types.Message, targets []Target, channel *Channel) error {
	var exactlyOnceErrs []error
	delivered := uint64(0)

	for _, target := range targets {
		if target.Queue != "" {
			if err := b.enqueueTarget(msg, target.Queue); err != nil {
				if msg.Reliability == types.ReliabilityExactlyOnce {
					exactlyOnceErrs = append(exactlyOnceErrs, err)
				}
			}
			continue
		}

		if target.Filter != nil {
			if v := runFilters([]Filter{*target.Filter}, msg); v.Action == ActionDeny {
				continue
			}
		}

		key := inflightKey(msg.ID, target.AgentID)
		if msg.Reliability == types.ReliabilityExactlyOnce {
			if _, dup := b.dedupe.Get(key); dup {
				continue
			}
		}

		err := b.dispatcher.Deliver(ctx, msg, target.AgentID)
		if err == nil {
			delivered++
			if msg.Reliability == types.ReliabilityExactlyOnce {
				b.dedupe.Add(key, time.Now())
			}
			if msg.Reliability != types.ReliabilityBestEffort {
				b.acks.Register(msg, []string{target.AgentID}, time.Now().Add(b.config.AckTimeout))
			}
			continue
		}

		switch msg.Reliability {
		case types.ReliabilityBestEffort:
			log.WithMessageID(msg.ID).Debug().Err(err).Str("receiver", target.AgentID).Msg("best-effort delivery failed")
			if channel != nil {
				channel.countDropped()
			}
		case types.ReliabilityAtLeastOnce:
			b.retries.Schedule(msg, target.AgentID)
			log.WithMessageID(msg.ID).Debug().Err(err).Str("receiver", target.AgentID).Msg("delivery scheduled for retry")
		case types.ReliabilityExactlyOnce:
			exactlyOnceErrs = append(exactlyOnceErrs, errdefs.Wrap(errdefs.KindDeliveryFailure, err,
				"exactly-once delivery of %s to %s failed", msg.ID, target.AgentID))
		}
	}

	if channel != nil && delivered > 0 {
		channel.countDelivered(delivered)
	}
	return errors.Join(exactlyOnceErrs...)
}

func (b *Bus) enqueueTarget(msg *types.Message, name string) error {
	q := b.getOrCreateQueue(name)
	if err := q.Enqueue(msg); err != nil {
		b.deadLetters.Add(msg, "", "queue_full")
		log.WithMessageID(msg.ID).Warn().Str("queue", name).Msg("queue full, message dead-lettered")
		return err
	}
	return nil
}

// Ack records a receiver's acknowledgment of a reliable message.
func (b *Bus) Ack(msgID, receiver string) error {
	b.retries.Resolve(msgID, receiver)
	full, err := b.acks.Ack(msgID, receiver)
	if err != nil {
		return err
	}
	if full {
		b.handlerMu.RLock()
		handlers := b.ackedHandler
		b.handlerMu.RUnlock()
		for _, h := range handlers {
			h(msgID)
		}
		log.WithMessageID(msgID).Debug().Msg("message fully acknowledged")
	}
	return nil
}

// OnFullyAcknowledged registers a handler fired when every receiver of a
// message has acked.
func (b *Bus) OnFullyAcknowledged(h func(msgID string)) {
	b.handlerMu.Lock()
	b.ackedHandler = append(b.ackedHandler, h)
	b.handlerMu.Unlock()
}

// CreateChannel registers a channel.
func (b *Bus) CreateChannel(cfg types.ChannelConfig) (*Channel, error) {
	ch, err := NewChannel(cfg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.channels[cfg.Name]; exists {
		return nil, errdefs.InvalidInput("channel %s already exists", cfg.Name)
	}
	b.channels[cfg.Name] = ch
	return ch, nil
}

// Channel returns a channel by name.
func (b *Bus) Channel(name string) (*Channel, error) {
	ch, ok := b.channel(name)
	if !ok {
		return nil, errdefs.NotFound("channel %s not found", name)
	}
	return ch, nil
}

func (b *Bus) channel(name string) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[name]
	return ch, ok
}

// CreateQueue registers a queue.
func (b *Bus) CreateQueue(cfg types.QueueConfig) (*Queue, error) {
	q, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[cfg.Name]; exists {
		return nil, errdefs.InvalidInput("queue %s already exists", cfg.Name)
	}
	b.queues[cfg.Name] = q
	return q, nil
}

// Queue returns a queue by name.
func (b *Bus) Queue(name string) (*Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, errdefs.NotFound("queue %s not found", name)
	}
	return q, nil
}

// getOrCreateQueue lazily builds type-derived queues.
func (b *Bus) getOrCreateQueue(name string) *Queue {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q, _ = NewQueue(types.QueueConfig{Name: name, Type: types.QueueFIFO, Delivery: types.DeliverAtLeastOnce})
	b.queues[name] = q
	return q
}

// AddRule installs a routing rule.
func (b *Bus) AddRule(r Rule) error {
	if r.ID == "" {
		return errdefs.InvalidInput("rule id is required")
	}
	if r.TargetChannel == "" && r.TargetQueue == "" && len(r.TargetReceivers) == 0 {
		return errdefs.InvalidInput("rule %s has no target", r.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.rules {
		if existing.ID == r.ID {
			return errdefs.InvalidInput("rule %s already exists", r.ID)
		}
	}
	b.rules = append(b.rules, r)
	return nil
}

// RemoveRule deletes a routing rule by id.
func (b *Bus) RemoveRule(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rules {
		if r.ID == id {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)
			return nil
		}
	}
	return errdefs.NotFound("rule %s not found", id)
}

// Subscribe registers a topic subscription.
func (b *Bus) Subscribe(pattern, subscriber string, qos int, ackRequired bool, filter *Filter) (*types.Subscription, error) {
	return b.subs.Subscribe(pattern, subscriber, qos, ackRequired, filter)
}

// Unsubscribe removes a topic subscription.
func (b *Bus) Unsubscribe(id string) error {
	return b.subs.Unsubscribe(id)
}

// DeadLetters returns retained dead letters.
func (b *Bus) DeadLetters() []DeadLetter {
	return b.deadLetters.List()
}

// Stats summarises bus state.
type Stats struct {
	Channels       int
	Queues         int
	PendingRetries int
	DeadLetters    int
}

// BusStats returns current counts.
func (b *Bus) BusStats() Stats {
	b.mu.RLock()
	channels, queues := len(b.channels), len(b.queues)
	b.mu.RUnlock()
	return Stats{
		Channels:       channels,
		Queues:         queues,
		PendingRetries: b.retries.Pending(),
		DeadLetters:    len(b.deadLetters.List()),
	}
}

// snapshotFile is the persisted shape of a bus snapshot.
type snapshotFile struct {
	WrittenAt time.Time       `json:"written_at"`
	Messages  []types.Message `json:"messages"`
}

// Snapshot persists queued and retry-pending messages to the snapshot
// directory, pruning to the configured retention.
func (b *Bus) Snapshot() error {
	dir := b.config.SnapshotDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "create snapshot dir")
	}

	var msgs []types.Message
	b.mu.RLock()
	for _, q := range b.queues {
		for _, m := range q.Peek() {
			msgs = append(msgs, *m)
		}
	}
	b.mu.RUnlock()
	for _, m := range b.retries.PendingMessages() {
		msgs = append(msgs, *m)
	}

	data, err := json.Marshal(snapshotFile{WrittenAt: time.Now(), Messages: msgs})
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode snapshot")
	}
	encoded, err := b.codec.Encode(data)
	if err != nil {
		return err
	}

	name := filepath.Join(dir, fmt.Sprintf("messages-%d.json", time.Now().UnixMilli()))
	if err := os.WriteFile(name, encoded, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "write snapshot")
	}
	return b.pruneSnapshots(dir)
}

// LoadLatestSnapshot decodes the newest snapshot file, for requeueing
// after a restart.
func (b *Bus) LoadLatestSnapshot() ([]types.Message, error) {
	dir := b.config.SnapshotDir
	if dir == "" {
		return nil, nil
	}
	files, err := snapshotFiles(dir)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	raw, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "read snapshot")
	}
	data, err := b.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "decode snapshot")
	}
	return snap.Messages, nil
}

func (b *Bus) pruneSnapshots(dir string) error {
	files, err := snapshotFiles(dir)
	if err != nil {
		return err
	}
	for len(files) > b.config.SnapshotRetain {
		if err := os.Remove(files[0]); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "prune snapshot")
		}
		files = files[1:]
	}
	return nil
}

// snapshotFiles lists snapshot paths oldest first.
func snapshotFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "list snapshots")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" && len(name) > len("messages-") && name[:len("messages-")] == "messages-" {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// deriveContentType guesses when the caller did not say: JSON for
// object/array payloads, text for valid UTF-8, bytes otherwise.
func deriveContentType(explicit string, content []byte) string {
	if explicit != "" {
		return explicit
	}
	trimmed := content
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(content) {
		return "application/json"
	}
	if utf8.Valid(content) {
		return "text/plain"
	}
	return "application/octet-stream"
}
