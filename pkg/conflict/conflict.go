package conflict

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Strategy names a conflict-resolution policy
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyTimestamp  Strategy = "timestamp"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyVoting     Strategy = "voting"
)

// Vote is one observer's pick in a voting resolution.
type Vote struct {
	Observer string
	Choice   string // claimant agent id
}

// Resolution is the outcome delivered to each claimant.
type Resolution struct {
	ConflictID string
	Winner     string
	Losers     []string
}

// Resolver arbitrates simultaneous claims on a resource or task.
type Resolver struct {
	mu        sync.Mutex
	conflicts map[string]*types.Conflict
	retention time.Duration
	rrCursor  map[string]int // round-robin position per target
	rng       *rand.Rand
}

// NewResolver creates a resolver. Unresolved conflicts older than retention
// are dropped by GC.
func NewResolver(retention time.Duration) *Resolver {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Resolver{
		conflicts: make(map[string]*types.Conflict),
		retention: retention,
		rrCursor:  make(map[string]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Open records a conflict between two or more claims.
func (r *Resolver) Open(kind types.ConflictKind, targetID string, claims []types.Claim) (*types.Conflict, error) {
	if len(claims) < 2 {
		return nil, errdefs.InvalidInput("conflict on %s needs at least two claimants", targetID)
	}
	c := &types.Conflict{
		ID:        uuid.New().String(),
		Kind:      kind,
		TargetID:  targetID,
		Claimants: claims,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	log.WithComponent("conflict").Debug().
		Str("conflict_id", c.ID).
		Str("target", targetID).
		Int("claimants", len(claims)).
		Msg("conflict opened")
	return c, nil
}

// Resolve picks a winner using the named strategy. Votes are only consulted
// by the voting strategy and may be nil otherwise.
func (r *Resolver) Resolve(conflictID string, strategy Strategy, votes []Vote) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, errdefs.NotFound("conflict %s not found", conflictID)
	}
	if c.Resolved {
		return nil, errdefs.ConflictState("conflict %s already resolved", conflictID)
	}

	var winner string
	switch strategy {
	case StrategyPriority:
		winner = pickByPriority(c.Claimants)
	case StrategyTimestamp:
		winner = pickByTimestamp(c.Claimants)
	case StrategyRandom:
		winner = c.Claimants[r.rng.Intn(len(c.Claimants))].AgentID
	case StrategyRoundRobin:
		winner = r.pickRoundRobin(c)
	case StrategyVoting:
		w, err := pickByVotes(c.Claimants, votes)
		if err != nil {
			return nil, err
		}
		winner = w
	default:
		return nil, errdefs.InvalidInput("unknown conflict strategy %q", strategy)
	}

	c.Resolved = true
	c.Winner = winner

	losers := make([]string, 0, len(c.Claimants)-1)
	for _, cl := range c.Claimants {
		if cl.AgentID != winner {
			losers = append(losers, cl.AgentID)
		}
	}

	log.WithComponent("conflict").Info().
		Str("conflict_id", c.ID).
		Str("strategy", string(strategy)).
		Str("winner", winner).
		Msg("conflict resolved")

	return &Resolution{ConflictID: c.ID, Winner: winner, Losers: losers}, nil
}

// Get returns a conflict record.
func (r *Resolver) Get(conflictID string) (*types.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, errdefs.NotFound("conflict %s not found", conflictID)
	}
	return c, nil
}

// Pending returns unresolved conflicts, oldest first.
func (r *Resolver) Pending() []*types.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Conflict
	for _, c := range r.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GC drops resolved conflicts and unresolved conflicts past retention.
// Returns the number dropped.
func (r *Resolver) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.retention)
	dropped := 0
	for id, c := range r.conflicts {
		if c.Resolved || c.CreatedAt.Before(cutoff) {
			delete(r.conflicts, id)
			dropped++
		}
	}
	return dropped
}

// pickByPriority: highest claimant priority wins; ties fall through to
// timestamp order.
func pickByPriority(claims []types.Claim) string {
	best := claims[0]
	tied := []types.Claim{best}
	for _, c := range claims[1:] {
		switch {
		case c.Priority > best.Priority:
			best = c
			tied = []types.Claim{c}
		case c.Priority == best.Priority:
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 {
		return pickByTimestamp(tied)
	}
	return best.AgentID
}

// pickByTimestamp: earliest claim wins; ties fall through to id order.
func pickByTimestamp(claims []types.Claim) string {
	best := claims[0]
	for _, c := range claims[1:] {
		if c.Timestamp.Before(best.Timestamp) {
			best = c
		} else if c.Timestamp.Equal(best.Timestamp) && c.AgentID < best.AgentID {
			best = c
		}
	}
	return best.AgentID
}

func (r *Resolver) pickRoundRobin(c *types.Conflict) string {
	ordered := make([]string, len(c.Claimants))
	for i, cl := range c.Claimants {
		ordered[i] = cl.AgentID
	}
	sort.Strings(ordered)

	cursor := r.rrCursor[c.TargetID] % len(ordered)
	r.rrCursor[c.TargetID] = cursor + 1
	return ordered[cursor]
}

// pickByVotes: majority among observers wins; ties fall through to the
// claimant id to keep the result deterministic.
func pickByVotes(claims []types.Claim, votes []Vote) (string, error) {
	if len(votes) == 0 {
		return "", errdefs.InvalidInput("voting strategy requires at least one vote")
	}
	valid := make(map[string]bool, len(claims))
	for _, c := range claims {
		valid[c.AgentID] = true
	}

	tally := make(map[string]int)
	for _, v := range votes {
		if valid[v.Choice] {
			tally[v.Choice]++
		}
	}
	if len(tally) == 0 {
		return "", errdefs.InvalidInput("no vote named a claimant")
	}

	var winner string
	best := -1
	for choice, count := range tally {
		if count > best || (count == best && choice < winner) {
			best = count
			winner = choice
		}
	}
	return winner, nil
}
