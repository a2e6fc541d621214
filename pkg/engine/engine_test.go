package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/breaker"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/conflict"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/scheduler"
	"github.com/corvid-labs/rookery/pkg/types"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentTasks: 8,
		QueueCapacity:      64,
		RetentionWindow:    time.Hour,
		RetryBaseDelay:     20 * time.Millisecond,
		RetryMultiplier:    2,
		RetryMaxDelay:      100 * time.Millisecond,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types(taskID string) []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, ev := range l.events {
		if taskID == "" || ev.Task.ID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// newTestEngine wires an engine with its scheduler steal callback closed
// over the engine, the way the orchestrator does it.
func newTestEngine(t *testing.T, cfg config.EngineConfig) (*Engine, *scheduler.Scheduler, *eventLog) {
	t.Helper()

	var eng *Engine
	sched := scheduler.New(config.SchedulerConfig{
		TickInterval:     time.Hour,
		StealThreshold:   1,
		MaxStealBatch:    3,
		HeartbeatTimeout: time.Hour,
		CapabilityWeight: 1.0,
		LoadWeight:       0.6,
		PriorityWeight:   0.1,
	}, func(taskID, from, to string) error {
		return eng.Steal(taskID, from, to)
	})

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Hour,
		HalfOpenLimit:    1,
	})
	eng = New(cfg, sched, breakers, conflict.NewResolver(time.Hour))

	events := &eventLog{}
	eng.OnEvent(events.record)
	return eng, sched, events
}

func addAgent(t *testing.T, sched *scheduler.Scheduler, id string, prio int, caps ...string) {
	t.Helper()
	require.NoError(t, sched.RegisterAgent(types.AgentProfile{
		ID:                 id,
		Type:               "worker",
		Capabilities:       caps,
		Priority:           prio,
		MaxConcurrentTasks: 8,
	}))
}

func TestCreateValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig())

	_, err := eng.Create(CreateSpec{})
	assert.True(t, errdefs.IsInvalidInput(err))

	_, err = eng.Create(CreateSpec{Type: "build", Priority: 11})
	assert.True(t, errdefs.IsInvalidInput(err))

	_, err = eng.Create(CreateSpec{Type: "build", Dependencies: []string{"missing"}})
	assert.True(t, errdefs.IsInvalidInput(err))

	task, err := eng.Create(CreateSpec{Type: "build", Description: "compile"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 5, task.Priority)

	_, err = eng.Create(CreateSpec{ID: task.ID, Type: "build"})
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestCreateBackpressure(t *testing.T) {
	cfg := testEngineConfig()
	cfg.QueueCapacity = 1
	eng, _, _ := newTestEngine(t, cfg)

	_, err := eng.Create(CreateSpec{Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{Type: "build"})
	assert.True(t, errdefs.IsCapacityExceeded(err))
}

func TestLinearPipeline(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5, "build")

	t1, err := eng.Create(CreateSpec{ID: "t1", Type: "build", RequiredCapabilities: []string{"build"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t3", Type: "build", Dependencies: []string{"t2"}})
	require.NoError(t, err)

	var order []string
	for _, id := range []string{"t1", "t2", "t3"} {
		eng.Dispatch()

		task, err := eng.Get(id)
		require.NoError(t, err)
		require.Equal(t, types.TaskStatusAssigned, task.Status, "task %s", id)

		require.NoError(t, eng.Execute(id, false))
		require.NoError(t, eng.Complete(id, "worker-1", []byte("ok"), 10*time.Millisecond))
		order = append(order, id)
	}

	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	for _, id := range []string{"t1", "t2", "t3"} {
		task, err := eng.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCompleted, task.Status)
		assert.Equal(t, 100, task.Progress)
	}
	_ = t1
}

func TestDispatchHoldsBackUnreadyTasks(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)

	eng.Dispatch()

	t2, err := eng.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, t2.Status)
}

func TestAssignNotReady(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)

	_, err = eng.Assign("t2", AssignOptions{})
	assert.True(t, errdefs.IsConflictState(err))

	_, err = eng.Assign("missing", AssignOptions{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAssignPinnedAgent(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "alpha", 5)
	addAgent(t, sched, "bravo", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)

	agent, err := eng.Assign("t1", AssignOptions{AgentID: "bravo"})
	require.NoError(t, err)
	assert.Equal(t, "bravo", agent)

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, "bravo", task.AssignedAgent)
}

func TestAssignSkipsFencedAgents(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "flaky", 9)
	addAgent(t, sched, "steady", 1)

	// Trip the flaky agent's breaker.
	for i := 0; i < 3; i++ {
		eng.Breakers().Get("flaky").Mark(errdefs.Internal("boom"))
	}

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)

	agent, err := eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	assert.Equal(t, "steady", agent)
}

func TestAssignAllAgentsFenced(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "only", 5)
	for i := 0; i < 3; i++ {
		eng.Breakers().Get("only").Mark(errdefs.Internal("boom"))
	}

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)

	_, err = eng.Assign("t1", AssignOptions{})
	assert.True(t, errdefs.IsCircuitOpen(err))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
}

func TestCompleteWrongAgent(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))

	err = eng.Complete("t1", "impostor", nil, 0)
	assert.True(t, errdefs.IsConflictState(err))
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	eng, sched, events := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 2})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))

	require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "boom"}))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "boom", task.LastError.Message)

	// Backoff holds the task out of dispatch until the delay elapses.
	eng.Dispatch()
	task, err = eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	time.Sleep(30 * time.Millisecond)
	eng.Dispatch()
	task, err = eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, "worker-1", task.AssignedAgent, "same agent preferred on retry")

	assert.Contains(t, events.types("t1"), EventTaskRetried)
}

func TestFailExhaustedIsTerminal(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 0})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "boom"}))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.True(t, task.Terminal())
}

func TestRetryThenSuccess(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 2})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		time.Sleep(50 * time.Millisecond)
		eng.Dispatch()
		require.NoError(t, eng.Execute("t1", false))
		require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "flaky"}))
	}

	time.Sleep(110 * time.Millisecond)
	eng.Dispatch()
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Complete("t1", "worker-1", []byte("ok"), time.Millisecond))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
}

func TestRetryFallsBackWhenPreferredAgentLost(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)
	addAgent(t, sched, "worker-2", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 2})
	require.NoError(t, err)
	eng.Dispatch()

	task, err := eng.Get("t1")
	require.NoError(t, err)
	first := task.AssignedAgent
	require.NotEmpty(t, first)

	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Fail("t1", first, &types.TaskError{Kind: "internal", Message: "boom"}))
	sched.DeregisterAgent(first)

	// The retry prefers the failed agent, which no longer exists; the
	// same dispatch pass must land on the surviving one.
	time.Sleep(50 * time.Millisecond)
	eng.Dispatch()

	task, err = eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.NotEqual(t, first, task.AssignedAgent)
	assert.NotEmpty(t, task.AssignedAgent)
}

func TestManualRetryOnDeregisteredNewAgentFallsBack(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)
	addAgent(t, sched, "worker-2", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 1})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{AgentID: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "boom"}))
	time.Sleep(50 * time.Millisecond)
	eng.Dispatch()
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "boom"}))

	require.NoError(t, eng.Retry("t1", RetryOptions{ResetRetries: true, NewAgent: "worker-2"}))
	sched.DeregisterAgent("worker-2")
	eng.Dispatch()

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, "worker-1", task.AssignedAgent)
}

func TestCancelCascade(t *testing.T) {
	eng, sched, events := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t3", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t4", Type: "build", Dependencies: []string{"t3"}})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel("t1", "abandoned", true, false))

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		task, err := eng.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCancelled, task.Status, "task %s", id)
	}

	// No agent was ever involved.
	for _, ev := range events.types("") {
		assert.NotEqual(t, EventTaskAssigned, ev)
		assert.NotEqual(t, EventCancelRequested, ev)
	}
}

func TestCascadeSkipsCompletedDependents(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "build", Dependencies: []string{"t1"}})
	require.NoError(t, err)

	eng.Dispatch()
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Complete("t1", "worker-1", nil, time.Millisecond))
	eng.Dispatch()
	require.NoError(t, eng.Execute("t2", false))
	require.NoError(t, eng.Complete("t2", "worker-1", nil, time.Millisecond))

	require.NoError(t, eng.Cancel("t1", "late cancel", true, true))

	t2, err := eng.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, t2.Status)
}

func TestCancelRunningNotifiesAgentAndDiscardsLateCompletion(t *testing.T) {
	eng, sched, events := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))

	require.NoError(t, eng.Cancel("t1", "operator", false, false))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	assert.Contains(t, events.types("t1"), EventCancelRequested)

	// The agent finishes anyway; the engine discards the result.
	require.NoError(t, eng.Complete("t1", "worker-1", []byte("late"), time.Millisecond))
	task, err = eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	assert.Nil(t, task.Result)
}

func TestCancelCompletedNeedsForce(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	eng.Dispatch()
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Complete("t1", "worker-1", nil, time.Millisecond))

	err = eng.Cancel("t1", "too late", false, false)
	assert.True(t, errdefs.IsConflictState(err))

	require.NoError(t, eng.Cancel("t1", "forced", false, true))
}

func TestManualRetry(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)
	addAgent(t, sched, "worker-2", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", MaxRetries: 0})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{AgentID: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Fail("t1", "worker-1", &types.TaskError{Kind: "internal", Message: "boom"}))

	// Budget spent and not reset.
	err = eng.Retry("t1", RetryOptions{})
	assert.True(t, errdefs.IsConflictState(err))

	raised := 2
	require.NoError(t, eng.Retry("t1", RetryOptions{MaxRetries: &raised, NewAgent: "worker-2"}))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	eng.Dispatch()
	task, err = eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "worker-2", task.AssignedAgent, "new-agent preference honoured")
}

func TestRetryOnlyFromFailed(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig())
	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)

	err = eng.Retry("t1", RetryOptions{})
	assert.True(t, errdefs.IsConflictState(err))
}

func TestUpdateFields(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig())
	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", Description: "old"})
	require.NoError(t, err)

	badPrio := 0
	_, err = eng.Update("t1", UpdateFields{Priority: &badPrio})
	assert.True(t, errdefs.IsInvalidInput(err))

	desc := "new"
	prio := 9
	progress := 40
	task, err := eng.Update("t1", UpdateFields{
		Description: &desc,
		Priority:    &prio,
		Progress:    &progress,
		Metadata:    map[string]string{"owner": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", task.Description)
	assert.Equal(t, 9, task.Priority)
	assert.Equal(t, 40, task.Progress)
	assert.Equal(t, "ops", task.Metadata["owner"])

	_, err = eng.Update("missing", UpdateFields{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStealOnlyMovesAssignedTasks(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)
	addAgent(t, sched, "worker-2", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{AgentID: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, eng.Steal("t1", "worker-1", "worker-2"))
	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "worker-2", task.AssignedAgent)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)

	// Wrong current owner is rejected.
	err = eng.Steal("t1", "worker-1", "worker-2")
	assert.True(t, errdefs.IsConflictState(err))

	require.NoError(t, eng.Execute("t1", false))
	err = eng.Steal("t1", "worker-2", "worker-1")
	assert.True(t, errdefs.IsConflictState(err), "running tasks must not move")
}

func TestRunningTimeoutTriggersRetry(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build", Timeout: 10 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Execute("t1", false))

	time.Sleep(20 * time.Millisecond)
	eng.checkTimeouts()

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "timeout", task.LastError.Kind)
}

func TestGlobalRunningCap(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxConcurrentTasks = 1
	eng, sched, _ := newTestEngine(t, cfg)
	addAgent(t, sched, "worker-1", 5)

	for _, id := range []string{"t1", "t2"} {
		_, err := eng.Create(CreateSpec{ID: id, Type: "build"})
		require.NoError(t, err)
		_, err = eng.Assign(id, AssignOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, eng.Execute("t1", false))
	err := eng.Execute("t2", false)
	assert.True(t, errdefs.IsCapacityExceeded(err))

	// The rejected task returns to the queue rather than stranding in
	// assigned, where nothing would ever pick it up again.
	task, err := eng.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Empty(t, task.AssignedAgent)

	require.NoError(t, eng.Complete("t1", "worker-1", nil, time.Millisecond))
	eng.Dispatch()
	require.NoError(t, eng.Execute("t2", false))

	task, err = eng.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
}

func TestContentionResolvedByAgentPriority(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "junior", 2)
	addAgent(t, sched, "senior", 8)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Assign("t1", AssignOptions{AgentID: "junior"})
	require.NoError(t, err)

	// Higher-priority claimant takes the task.
	agent, err := eng.Assign("t1", AssignOptions{AgentID: "senior"})
	require.NoError(t, err)
	assert.Equal(t, "senior", agent)

	// Lower-priority claimant loses and the holder keeps it.
	_, err = eng.Assign("t1", AssignOptions{AgentID: "junior"})
	assert.True(t, errdefs.IsConflictState(err))

	task, err := eng.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "senior", task.AssignedAgent)
}

func TestTaskStats(t *testing.T) {
	eng, sched, _ := newTestEngine(t, testEngineConfig())
	addAgent(t, sched, "worker-1", 5)

	_, err := eng.Create(CreateSpec{ID: "t1", Type: "build"})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "t2", Type: "deploy"})
	require.NoError(t, err)

	eng.Dispatch()
	require.NoError(t, eng.Execute("t1", false))
	require.NoError(t, eng.Complete("t1", "worker-1", nil, time.Millisecond))

	stats := eng.TaskStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(types.TaskStatusCompleted)])
	assert.Equal(t, 1, stats.ByType["build"])
	assert.Equal(t, 1, stats.ByType["deploy"])
}

func TestListFilterAndSort(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig())

	_, err := eng.Create(CreateSpec{ID: "a", Type: "build", Priority: 2, Tags: []string{"ci"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "b", Type: "deploy", Priority: 9, Tags: []string{"ci", "prod"}})
	require.NoError(t, err)
	_, err = eng.Create(CreateSpec{ID: "c", Type: "build", Priority: 5})
	require.NoError(t, err)

	byPrio := eng.List(ListFilter{SortBy: "priority"})
	require.Len(t, byPrio, 3)
	assert.Equal(t, "b", byPrio[0].ID)

	builds := eng.List(ListFilter{Type: "build"})
	assert.Len(t, builds, 2)

	tagged := eng.List(ListFilter{Tags: []string{"ci", "prod"}})
	require.Len(t, tagged, 1)
	assert.Equal(t, "b", tagged[0].ID)

	limited := eng.List(ListFilter{Limit: 1})
	assert.Len(t, limited, 1)
}
