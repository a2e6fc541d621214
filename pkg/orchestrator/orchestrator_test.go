package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/agent"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/engine"
	"github.com/corvid-labs/rookery/pkg/events"
	"github.com/corvid-labs/rookery/pkg/memory"
	"github.com/corvid-labs/rookery/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Bus.AckTimeout = time.Minute
	cfg.Bus.RetryInterval = 5 * time.Millisecond
	cfg.Scheduler.HeartbeatTimeout = time.Minute
	cfg.Engine.RetryBaseDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 10 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, o.Start())
	t.Cleanup(o.Stop)
	return o
}

func attachTestAgent(t *testing.T, o *Orchestrator, id string, caps []string, handler agent.TaskHandler) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		ID:                 id,
		Type:               "worker",
		Capabilities:       caps,
		MaxConcurrentTasks: 4,
		HeartbeatInterval:  10 * time.Millisecond,
	}, o)
	require.NoError(t, err)
	a.HandleDefault(handler)
	require.NoError(t, o.AttachAgent(a))
	t.Cleanup(a.Stop)
	return a
}

func waitForStatus(t *testing.T, o *Orchestrator, taskID string, want types.TaskStatus) types.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		o.Engine().Dispatch()
		task, err := o.Engine().Get(taskID)
		require.NoError(t, err)
		if task.Status == want {
			return *task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, wanted %s", taskID, task.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t)
	sub := o.Events().Subscribe()

	attachTestAgent(t, o, "worker-1", []string{"analysis"},
		func(ctx context.Context, task *types.Task) (any, error) {
			return map[string]string{"verdict": "clean"}, nil
		})

	task, err := o.Engine().Create(engine.CreateSpec{
		Type:                 "analysis",
		Description:          "scan the artifact",
		Priority:             7,
		Tags:                 []string{"scan"},
		RequiredCapabilities: []string{"analysis"},
	})
	require.NoError(t, err)

	done := waitForStatus(t, o, task.ID, types.TaskStatusCompleted)
	assert.Equal(t, "worker-1", done.AssignedAgent)
	assert.JSONEq(t, `{"verdict":"clean"}`, string(done.Result))

	// the record in the store tracks the final transition
	record, err := o.Store().GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusCompleted), record.Status)
	assert.Equal(t, "worker-1", record.AssignedAgent)

	// the result lands in shared memory under the executing agent
	entries := o.Memory().Recall(memory.Query{
		Agent:     "worker-1",
		TaskID:    task.ID,
		Requester: "worker-1",
	})
	require.Len(t, entries, 1)
	assert.Equal(t, types.MemoryResult, entries[0].Type)
	assert.Equal(t, types.ShareTeam, entries[0].ShareLevel)

	// the broker replays the lifecycle in order for this task
	var seen []events.EventType
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != events.EventTaskCompleted {
		select {
		case ev := <-sub:
			if ev.TaskID == task.ID {
				seen = append(seen, ev.Type)
			}
		case <-deadline:
			t.Fatalf("lifecycle incomplete, saw %v", seen)
		}
	}
	assert.Equal(t, events.EventTaskCreated, seen[0])
	assert.Contains(t, seen, events.EventTaskAssigned)
	assert.Contains(t, seen, events.EventTaskStarted)
}

func TestHandlerFailureMarksTaskFailed(t *testing.T) {
	o := newTestOrchestrator(t)
	attachTestAgent(t, o, "worker-1", nil,
		func(ctx context.Context, task *types.Task) (any, error) {
			return nil, assert.AnError
		})

	task, err := o.Engine().Create(engine.CreateSpec{Type: "flaky"})
	require.NoError(t, err)

	failed := waitForStatus(t, o, task.ID, types.TaskStatusFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "handler_error", failed.LastError.Kind)

	record, err := o.Store().GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusFailed), record.Status)
}

func TestFailureRetriesOnSameBudget(t *testing.T) {
	o := newTestOrchestrator(t)

	calls := make(chan struct{}, 8)
	attachTestAgent(t, o, "worker-1", nil,
		func(ctx context.Context, task *types.Task) (any, error) {
			calls <- struct{}{}
			if len(calls) < 2 {
				return nil, assert.AnError
			}
			return "recovered", nil
		})

	task, err := o.Engine().Create(engine.CreateSpec{Type: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	done := waitForStatus(t, o, task.ID, types.TaskStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Len(t, calls, 2)
}

func TestCancelReachesRunningAgent(t *testing.T) {
	o := newTestOrchestrator(t)

	running := make(chan struct{})
	released := make(chan struct{})
	attachTestAgent(t, o, "worker-1", nil,
		func(ctx context.Context, task *types.Task) (any, error) {
			close(running)
			<-ctx.Done()
			close(released)
			return nil, ctx.Err()
		})

	task, err := o.Engine().Create(engine.CreateSpec{Type: "slow"})
	require.NoError(t, err)
	waitForStatus(t, o, task.ID, types.TaskStatusRunning)
	<-running

	require.NoError(t, o.Engine().Cancel(task.ID, "operator request", false, false))

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("agent handler never saw the cancellation")
	}

	got := waitForStatus(t, o, task.ID, types.TaskStatusCancelled)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

func TestDetachAgentFailsRunningTask(t *testing.T) {
	o := newTestOrchestrator(t)

	running := make(chan struct{})
	attachTestAgent(t, o, "worker-1", nil,
		func(ctx context.Context, task *types.Task) (any, error) {
			close(running)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	task, err := o.Engine().Create(engine.CreateSpec{Type: "slow"})
	require.NoError(t, err)
	waitForStatus(t, o, task.ID, types.TaskStatusRunning)
	<-running

	o.DetachAgent("worker-1")

	failed := waitForStatus(t, o, task.ID, types.TaskStatusFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "agent_down", failed.LastError.Kind)
}

func TestRegisterAgentPersistsProfile(t *testing.T) {
	o := newTestOrchestrator(t)
	attachTestAgent(t, o, "worker-1", []string{"analysis"}, nil)

	stored, err := o.Store().GetAgent("worker-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis"}, stored.Capabilities)

	o.DetachAgent("worker-1")
	_, err = o.Store().GetAgent("worker-1")
	assert.Error(t, err)
}

func TestBuiltinTools(t *testing.T) {
	o := newTestOrchestrator(t)

	names := make([]string, 0)
	for _, tool := range o.Tools().List() {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "task/stats")
	assert.Contains(t, names, "memory/recall")
	assert.Contains(t, names, "graph/export")

	_, err := o.Engine().Create(engine.CreateSpec{Type: "analysis"})
	require.NoError(t, err)

	out, err := o.Tools().Invoke(context.Background(), "task/stats", nil)
	require.NoError(t, err)
	stats, ok := out.(engine.Stats)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Total)

	_, err = o.Tools().Invoke(context.Background(), "memory/recall",
		json.RawMessage(`{"limit":5}`))
	assert.Error(t, err) // agent_id is required
}
