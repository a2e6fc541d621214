package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// fakeCoordinator records every call the agent makes.
type fakeCoordinator struct {
	mu         sync.Mutex
	registered []types.AgentProfile
	heartbeats int
	started    []string
	completed  map[string][]byte
	failed     map[string]*types.TaskError
	acked      []string
	startErr   error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		completed: make(map[string][]byte),
		failed:    make(map[string]*types.TaskError),
	}
}

func (f *fakeCoordinator) RegisterAgent(p types.AgentProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, p)
	return nil
}

func (f *fakeCoordinator) Heartbeat(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeCoordinator) StartTask(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, taskID)
	return nil
}

func (f *fakeCoordinator) CompleteTask(taskID, agentID string, result []byte, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[taskID] = result
	return nil
}

func (f *fakeCoordinator) FailTask(taskID, agentID string, taskErr *types.TaskError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[taskID] = taskErr
	return nil
}

func (f *fakeCoordinator) AckMessage(msgID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msgID)
	return nil
}

func (f *fakeCoordinator) completionOf(taskID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.completed[taskID]
	return r, ok
}

func (f *fakeCoordinator) failureOf(taskID string) (*types.TaskError, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.failed[taskID]
	return e, ok
}

func assignmentMsg(t *testing.T, task types.Task) *types.Message {
	t.Helper()
	content, err := json.Marshal(Assignment{Task: task})
	require.NoError(t, err)
	return &types.Message{
		ID:          "m-" + task.ID,
		Type:        MsgTaskExecute,
		Sender:      "engine",
		Content:     content,
		Reliability: types.ReliabilityAtLeastOnce,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, newFakeCoordinator())
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestStartRegistersProfile(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{
		ID:                 "worker-1",
		Type:               "analyst",
		Capabilities:       []string{"analysis"},
		MaxConcurrentTasks: 2,
		HeartbeatInterval:  time.Millisecond,
	}, coord)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Len(t, coord.registered, 1)
	assert.Equal(t, "worker-1", coord.registered[0].ID)
	assert.Equal(t, 2, coord.registered[0].MaxConcurrentTasks)

	waitFor(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.heartbeats >= 2
	})
}

func TestExecuteAssignment(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1", MaxConcurrentTasks: 2}, coord)
	require.NoError(t, err)

	a.Handle("analysis", func(ctx context.Context, task *types.Task) (any, error) {
		return map[string]string{"summary": "done"}, nil
	})

	tr := a.Transport()
	msg := assignmentMsg(t, types.Task{ID: "t1", Type: "analysis"})
	require.NoError(t, tr.Send(context.Background(), msg))

	waitFor(t, func() bool { _, ok := coord.completionOf("t1"); return ok })
	result, _ := coord.completionOf("t1")
	assert.JSONEq(t, `{"summary":"done"}`, string(result))
	assert.Equal(t, []string{"m-t1"}, coord.acked)
	assert.Equal(t, []string{"t1"}, coord.started)
}

func TestFallbackHandler(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)
	a.HandleDefault(func(ctx context.Context, task *types.Task) (any, error) {
		return "ok", nil
	})

	require.NoError(t, a.Transport().Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "anything"})))
	waitFor(t, func() bool { _, ok := coord.completionOf("t1"); return ok })
}

func TestNoHandlerFails(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)

	require.NoError(t, a.Transport().Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "unknown"})))

	waitFor(t, func() bool { _, ok := coord.failureOf("t1"); return ok })
	taskErr, _ := coord.failureOf("t1")
	assert.Equal(t, "no_handler", taskErr.Kind)
}

func TestHandlerErrorReported(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)
	a.Handle("analysis", func(ctx context.Context, task *types.Task) (any, error) {
		return nil, errors.New("backend unavailable")
	})

	require.NoError(t, a.Transport().Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "analysis"})))

	waitFor(t, func() bool { _, ok := coord.failureOf("t1"); return ok })
	taskErr, _ := coord.failureOf("t1")
	assert.Equal(t, "handler_error", taskErr.Kind)
	assert.Contains(t, taskErr.Message, "backend unavailable")
}

func TestTaskTimeout(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)
	a.Handle("slow", func(ctx context.Context, task *types.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, a.Transport().Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "slow", Timeout: 20 * time.Millisecond})))

	waitFor(t, func() bool { _, ok := coord.failureOf("t1"); return ok })
	taskErr, _ := coord.failureOf("t1")
	assert.Equal(t, "timeout", taskErr.Kind)
}

func TestCancelRequestStopsTask(t *testing.T) {
	coord := newFakeCoordinator()
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)

	running := make(chan struct{})
	a.Handle("slow", func(ctx context.Context, task *types.Task) (any, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tr := a.Transport()
	require.NoError(t, tr.Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "slow"})))
	<-running

	content, err := json.Marshal(CancelRequest{TaskID: "t1", Reason: "user request"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), &types.Message{
		ID: "m-cancel", Type: MsgTaskCancel, Content: content,
	}))

	// a cancelled task reports neither completion nor failure
	waitFor(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.cancels) == 0
	})
	_, completed := coord.completionOf("t1")
	_, failed := coord.failureOf("t1")
	assert.False(t, completed)
	assert.False(t, failed)
}

func TestRejectedStartDropsAssignment(t *testing.T) {
	coord := newFakeCoordinator()
	coord.startErr = errdefs.ConflictState("task already cancelled")
	a, err := New(Config{ID: "worker-1"}, coord)
	require.NoError(t, err)

	invoked := false
	a.Handle("analysis", func(ctx context.Context, task *types.Task) (any, error) {
		invoked = true
		return nil, nil
	})

	require.NoError(t, a.Transport().Send(context.Background(),
		assignmentMsg(t, types.Task{ID: "t1", Type: "analysis"})))
	a.wg.Wait()
	assert.False(t, invoked)
}
