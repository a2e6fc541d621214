package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

func claim(agent string, prio int, at time.Time) types.Claim {
	return types.Claim{AgentID: agent, Priority: prio, Timestamp: at}
}

func TestOpenRequiresTwoClaimants(t *testing.T) {
	r := NewResolver(time.Hour)
	_, err := r.Open(types.ConflictTask, "task-1", []types.Claim{claim("a", 5, time.Now())})
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestResolveByPriority(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictTask, "task-1", []types.Claim{
		claim("low", 2, now),
		claim("high", 8, now.Add(time.Second)),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyPriority, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", res.Winner)
	assert.Equal(t, []string{"low"}, res.Losers)
}

func TestPriorityTieFallsBackToTimestamp(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictResource, "lock-1", []types.Claim{
		claim("late", 5, now.Add(time.Second)),
		claim("early", 5, now),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyPriority, nil)
	require.NoError(t, err)
	assert.Equal(t, "early", res.Winner)
}

func TestResolveByTimestamp(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictResource, "lock-1", []types.Claim{
		claim("second", 9, now.Add(time.Millisecond)),
		claim("first", 1, now),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyTimestamp, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Winner)
}

func TestTimestampTieBreaksOnAgentID(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictResource, "lock-1", []types.Claim{
		claim("bravo", 5, now),
		claim("alpha", 5, now),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyTimestamp, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Winner)
}

func TestResolveRandomPicksClaimant(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictTask, "task-1", []types.Claim{
		claim("a", 1, now),
		claim("b", 1, now),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyRandom, nil)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, res.Winner)
}

func TestRoundRobinRotatesPerTarget(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	claims := []types.Claim{claim("a", 1, now), claim("b", 1, now)}

	var winners []string
	for i := 0; i < 4; i++ {
		c, err := r.Open(types.ConflictTask, "task-1", claims)
		require.NoError(t, err)
		res, err := r.Resolve(c.ID, StrategyRoundRobin, nil)
		require.NoError(t, err)
		winners = append(winners, res.Winner)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, winners)
}

func TestResolveByVoting(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictTask, "task-1", []types.Claim{
		claim("a", 1, now),
		claim("b", 1, now),
	})
	require.NoError(t, err)

	res, err := r.Resolve(c.ID, StrategyVoting, []Vote{
		{Observer: "o1", Choice: "b"},
		{Observer: "o2", Choice: "b"},
		{Observer: "o3", Choice: "a"},
		{Observer: "o4", Choice: "nobody"}, // not a claimant, discarded
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Winner)
}

func TestVotingWithoutVotesFails(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictTask, "task-1", []types.Claim{
		claim("a", 1, now),
		claim("b", 1, now),
	})
	require.NoError(t, err)

	_, err = r.Resolve(c.ID, StrategyVoting, nil)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestResolveTwiceRejected(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()
	c, err := r.Open(types.ConflictTask, "task-1", []types.Claim{
		claim("a", 1, now),
		claim("b", 2, now),
	})
	require.NoError(t, err)

	_, err = r.Resolve(c.ID, StrategyPriority, nil)
	require.NoError(t, err)
	_, err = r.Resolve(c.ID, StrategyPriority, nil)
	assert.True(t, errdefs.IsConflictState(err))
}

func TestResolveUnknownConflict(t *testing.T) {
	r := NewResolver(time.Hour)
	_, err := r.Resolve("missing", StrategyPriority, nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPendingOldestFirst(t *testing.T) {
	r := NewResolver(time.Hour)
	now := time.Now()

	c1, err := r.Open(types.ConflictTask, "t1", []types.Claim{claim("a", 1, now), claim("b", 1, now)})
	require.NoError(t, err)
	c1.CreatedAt = now.Add(-time.Minute)

	c2, err := r.Open(types.ConflictTask, "t2", []types.Claim{claim("a", 1, now), claim("b", 1, now)})
	require.NoError(t, err)

	pending := r.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, c1.ID, pending[0].ID)
	assert.Equal(t, c2.ID, pending[1].ID)
}

func TestGCDropsResolvedAndStale(t *testing.T) {
	r := NewResolver(time.Minute)
	now := time.Now()

	resolved, err := r.Open(types.ConflictTask, "t1", []types.Claim{claim("a", 1, now), claim("b", 1, now)})
	require.NoError(t, err)
	_, err = r.Resolve(resolved.ID, StrategyPriority, nil)
	require.NoError(t, err)

	stale, err := r.Open(types.ConflictTask, "t2", []types.Claim{claim("a", 1, now), claim("b", 1, now)})
	require.NoError(t, err)
	stale.CreatedAt = now.Add(-2 * time.Minute)

	fresh, err := r.Open(types.ConflictTask, "t3", []types.Claim{claim("a", 1, now), claim("b", 1, now)})
	require.NoError(t, err)

	assert.Equal(t, 2, r.GC())

	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = r.Get(resolved.ID)
	assert.True(t, errdefs.IsNotFound(err))
}
