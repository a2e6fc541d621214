package bus

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Rule is one routing rule. The highest-priority matching rule decides
// where a message goes before any other resolution step.
type Rule struct {
	ID       string
	Priority int

	// Match criteria; empty fields match everything.
	MatchType   string // segment pattern, '*' wildcard
	MatchSender string

	// Exactly one target should be set.
	TargetChannel   string
	TargetQueue     string
	TargetReceivers []string
}

func (r *Rule) matches(msg *types.Message) bool {
	if r.MatchSender != "" && r.MatchSender != msg.Sender {
		return false
	}
	if r.MatchType != "" && !matchPattern(r.MatchType, msg.Type) {
		return false
	}
	return true
}

// Target is one resolved destination: either an agent or a queue.
type Target struct {
	AgentID string
	Queue   string
	// Channel records which channel membership produced the target.
	Channel string
	// Filter is the per-subscription filter to apply before delivery.
	Filter *Filter
}

// SubscriptionIndex matches message types against topic subscriptions.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	types.Subscription
	filter *Filter
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{subs: make(map[string]*subscription)}
}

// Subscribe registers an agent for a topic pattern. '*' matches one
// dot-separated segment.
func (x *SubscriptionIndex) Subscribe(pattern, subscriber string, qos int, ackRequired bool, filter *Filter) (*types.Subscription, error) {
	if pattern == "" || subscriber == "" {
		return nil, errdefs.InvalidInput("subscription needs a pattern and a subscriber")
	}
	if qos < 0 || qos > 2 {
		return nil, errdefs.InvalidInput("qos must be 0, 1 or 2, got %d", qos)
	}

	sub := &subscription{
		Subscription: types.Subscription{
			ID:          uuid.New().String(),
			Pattern:     pattern,
			Subscriber:  subscriber,
			QoS:         qos,
			AckRequired: ackRequired,
		},
		filter: filter,
	}
	x.mu.Lock()
	x.subs[sub.ID] = sub
	x.mu.Unlock()

	out := sub.Subscription
	return &out, nil
}

// Unsubscribe removes a subscription by id.
func (x *SubscriptionIndex) Unsubscribe(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.subs[id]; !ok {
		return errdefs.NotFound("subscription %s not found", id)
	}
	delete(x.subs, id)
	return nil
}

// Match returns targets for every subscription whose pattern matches the
// topic, deduplicated per subscriber, sorted by subscriber id.
func (x *SubscriptionIndex) Match(topic string) []Target {
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Target
	for _, sub := range x.subs {
		if !matchPattern(sub.Pattern, topic) || seen[sub.Subscriber] {
			continue
		}
		seen[sub.Subscriber] = true
		out = append(out, Target{AgentID: sub.Subscriber, Filter: sub.filter})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// matchPattern matches dot-separated topics; '*' matches exactly one
// segment.
func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// resolveInput is everything route resolution reads. Resolution itself is
// pure: no locks, no side effects.
type resolveInput struct {
	msg              *types.Message
	preferredChannel string
	topic            string
	rules            []Rule
	subs             *SubscriptionIndex
	channelLookup    func(name string) (*Channel, bool)
}

// resolveRoute implements the resolution ladder: rules, then topic map,
// then preferred channel, then direct receivers, then a type-derived
// queue for reliable messages.
func resolveRoute(in resolveInput) ([]Target, error) {
	msg := in.msg

	rules := make([]Rule, len(in.rules))
	copy(rules, in.rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	for i := range rules {
		r := &rules[i]
		if !r.matches(msg) {
			continue
		}
		switch {
		case r.TargetQueue != "":
			return []Target{{Queue: r.TargetQueue}}, nil
		case r.TargetChannel != "":
			return channelTargets(in, r.TargetChannel)
		case len(r.TargetReceivers) > 0:
			out := make([]Target, 0, len(r.TargetReceivers))
			for _, id := range r.TargetReceivers {
				out = append(out, Target{AgentID: id})
			}
			return out, nil
		}
	}

	if in.topic != "" && in.subs != nil {
		if targets := in.subs.Match(in.topic); len(targets) > 0 {
			return targets, nil
		}
	}

	if in.preferredChannel != "" {
		return channelTargets(in, in.preferredChannel)
	}

	if len(msg.Receivers) > 0 {
		out := make([]Target, 0, len(msg.Receivers))
		for _, id := range msg.Receivers {
			out = append(out, Target{AgentID: id})
		}
		return out, nil
	}

	if msg.Reliability != types.ReliabilityBestEffort {
		return []Target{{Queue: typeQueueName(msg.Type)}}, nil
	}

	return nil, errdefs.InvalidInput("message %s has no resolvable destination", msg.ID)
}

func channelTargets(in resolveInput, name string) ([]Target, error) {
	ch, ok := in.channelLookup(name)
	if !ok {
		return nil, errdefs.NotFound("channel %s not found", name)
	}
	if ch.Config().Type == types.ChannelQueue {
		return []Target{{Queue: name, Channel: name}}, nil
	}

	recipients := ch.Recipients(in.msg.Sender)
	out := make([]Target, 0, len(recipients))
	for _, id := range recipients {
		out = append(out, Target{AgentID: id, Channel: name})
	}
	if len(out) == 0 {
		return nil, errdefs.NotFound("channel %s has no recipients for %s", name, in.msg.Sender)
	}
	return out, nil
}

func typeQueueName(msgType string) string {
	return "type." + msgType
}
