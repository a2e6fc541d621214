package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Channel groups participants under one delivery semantic with access
// control, a filter chain and middleware.
type Channel struct {
	mu           sync.RWMutex
	config       types.ChannelConfig
	participants map[string]types.AccessTier
	filters      []Filter
	middleware   []Middleware
	stats        types.ChannelStats

	// sendMu serialises sends on ordered multicast channels so per-sender
	// order survives concurrent senders.
	sendMu sync.Mutex
}

// NewChannel creates a channel from its config.
func NewChannel(cfg types.ChannelConfig) (*Channel, error) {
	if cfg.Name == "" {
		return nil, errdefs.InvalidInput("channel name is required")
	}
	switch cfg.Type {
	case types.ChannelDirect, types.ChannelBroadcast, types.ChannelMulticast,
		types.ChannelTopic, types.ChannelQueue:
	default:
		return nil, errdefs.InvalidInput("unknown channel type %q", cfg.Type)
	}
	return &Channel{
		config:       cfg,
		participants: make(map[string]types.AccessTier),
	}, nil
}

// Config returns the channel configuration.
func (c *Channel) Config() types.ChannelConfig {
	return c.config
}

// Join adds an agent. Rejected when banned, or when an allow-list exists
// and the agent is on neither list.
func (c *Channel) Join(agentID string, tier types.AccessTier) error {
	if tier == "" {
		tier = types.AccessWrite
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ac := c.config.Access
	if contains(ac.Banned, agentID) {
		return errdefs.ConflictState("agent %s is banned from channel %s", agentID, c.config.Name)
	}
	allowListed := len(ac.AllowedSenders) == 0 && len(ac.AllowedReceivers) == 0
	if !allowListed {
		allowListed = contains(ac.AllowedSenders, agentID) || contains(ac.AllowedReceivers, agentID)
	}
	if !allowListed {
		return errdefs.ConflictState("agent %s is not on the allow-list for channel %s", agentID, c.config.Name)
	}
	if explicit, ok := ac.Tiers[agentID]; ok {
		tier = explicit
	}

	c.participants[agentID] = tier
	c.stats.Participants = len(c.participants)
	return nil
}

// Leave removes an agent; unknown agents are a no-op.
func (c *Channel) Leave(agentID string) {
	c.mu.Lock()
	delete(c.participants, agentID)
	c.stats.Participants = len(c.participants)
	c.mu.Unlock()
}

// Participants lists members sorted by id.
func (c *Channel) Participants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether the agent joined the channel.
func (c *Channel) IsMember(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.participants[agentID]
	return ok
}

// CanSend checks access control for a sender.
func (c *Channel) CanSend(agentID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ac := c.config.Access
	if contains(ac.Banned, agentID) {
		return errdefs.ConflictState("agent %s is banned from channel %s", agentID, c.config.Name)
	}
	if len(ac.AllowedSenders) > 0 && !contains(ac.AllowedSenders, agentID) {
		return errdefs.ConflictState("agent %s may not send on channel %s", agentID, c.config.Name)
	}
	if tier, ok := c.participants[agentID]; ok && tier == types.AccessRead {
		return errdefs.ConflictState("agent %s has read-only access on channel %s", agentID, c.config.Name)
	}
	return nil
}

// Recipients resolves who receives a message from sender on this channel:
// broadcast is everyone but the sender, multicast everyone, direct the
// single other participant.
func (c *Channel) Recipients(sender string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ac := c.config.Access
	var out []string
	for id := range c.participants {
		if c.config.Type == types.ChannelBroadcast && id == sender {
			continue
		}
		if len(ac.AllowedReceivers) > 0 && !contains(ac.AllowedReceivers, id) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)

	if c.config.Type == types.ChannelDirect {
		for _, id := range out {
			if id != sender {
				return []string{id}
			}
		}
		return nil
	}
	return out
}

// AddFilter appends to the channel's filter chain.
func (c *Channel) AddFilter(f Filter) {
	c.mu.Lock()
	c.filters = append(c.filters, f)
	c.mu.Unlock()
}

// Use appends middleware to the channel's chain.
func (c *Channel) Use(mw Middleware) {
	c.mu.Lock()
	c.middleware = append(c.middleware, mw)
	c.mu.Unlock()
}

// prepare runs middleware then filters. A nil message or deny verdict
// drops the message.
func (c *Channel) prepare(msg *types.Message) (*types.Message, Verdict) {
	c.mu.RLock()
	mws := c.middleware
	filters := c.filters
	c.mu.RUnlock()

	msg = runMiddleware(mws, msg)
	if msg == nil {
		c.countDropped()
		return nil, Verdict{Action: ActionDeny}
	}
	verdict := runFilters(filters, msg)
	if verdict.Action == ActionDeny {
		c.countDropped()
		return nil, verdict
	}
	return msg, verdict
}

func (c *Channel) countSent() {
	c.mu.Lock()
	c.stats.MessagesSent++
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Channel) countDelivered(n uint64) {
	c.mu.Lock()
	c.stats.MessagesDelivered += n
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Channel) countDropped() {
	c.mu.Lock()
	c.stats.MessagesDropped++
	c.mu.Unlock()
}

// Stats returns a copy of the channel counters.
func (c *Channel) Stats() types.ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
