package e2e

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/agent"
	"github.com/corvid-labs/rookery/pkg/api"
	"github.com/corvid-labs/rookery/pkg/client"
	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/orchestrator"
	"github.com/corvid-labs/rookery/pkg/types"
)

// startNode runs an orchestrator with its HTTP API on an ephemeral
// listener and returns a client pointed at it.
func startNode(t *testing.T) (*orchestrator.Orchestrator, *client.Client) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Scheduler.HeartbeatTimeout = time.Minute
	cfg.Engine.RetryBaseDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 10 * time.Millisecond

	orch, err := orchestrator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, orch.Start())
	t.Cleanup(orch.Stop)

	srv := httptest.NewServer(api.NewServer(orch).Handler())
	t.Cleanup(srv.Close)

	return orch, client.New(srv.URL)
}

func attachWorker(t *testing.T, orch *orchestrator.Orchestrator, id string, caps []string, handler agent.TaskHandler) {
	t.Helper()
	a, err := agent.New(agent.Config{
		ID:                 id,
		Type:               "worker",
		Capabilities:       caps,
		MaxConcurrentTasks: 4,
		HeartbeatInterval:  10 * time.Millisecond,
	}, orch)
	require.NoError(t, err)
	a.HandleDefault(handler)
	require.NoError(t, orch.AttachAgent(a))
	t.Cleanup(a.Stop)
}

func waitCompleted(t *testing.T, cl *client.Client, taskID string) *types.Task {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for {
		task, err := cl.GetTask(ctx, taskID)
		require.NoError(t, err)
		if task.Status == types.TaskStatusCompleted {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s", taskID, task.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	orch, cl := startNode(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	attachWorker(t, orch, "worker-1", []string{"analysis"}, func(ctx context.Context, task *types.Task) (any, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return map[string]string{"done": task.ID}, nil
	})

	for _, spec := range []client.TaskSpec{
		{ID: "t1", Type: "analysis", RequiredCapabilities: []string{"analysis"}},
		{ID: "t2", Type: "analysis", Dependencies: []string{"t1"}},
		{ID: "t3", Type: "analysis", Dependencies: []string{"t2"}},
	} {
		_, err := cl.CreateTask(ctx, spec)
		require.NoError(t, err)
	}

	waitCompleted(t, cl, "t3")
	mu.Lock()
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	mu.Unlock()

	for _, id := range []string{"t1", "t2"} {
		task, err := cl.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCompleted, task.Status)
	}

	stats, err := cl.TaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), stats["Total"])
}

func TestResultsLandInSharedMemory(t *testing.T) {
	orch, cl := startNode(t)
	ctx := context.Background()

	attachWorker(t, orch, "worker-1", nil, func(ctx context.Context, task *types.Task) (any, error) {
		return "42", nil
	})

	_, err := cl.CreateTask(ctx, client.TaskSpec{ID: "t1", Type: "compute"})
	require.NoError(t, err)
	waitCompleted(t, cl, "t1")

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := cl.Recall(ctx, client.MemoryFilter{
			Agent: "worker-1", Type: "result", Requester: "worker-1",
		})
		require.NoError(t, err)
		if len(entries) == 1 {
			assert.Equal(t, "t1", entries[0].TaskID)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("task result never reached shared memory")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRemoteAgentLifecycleOverHTTP(t *testing.T) {
	_, cl := startNode(t)
	ctx := context.Background()

	profile, err := cl.RegisterAgent(ctx, client.AgentSpec{
		ID:                 "remote-1",
		Type:               "remote",
		Capabilities:       []string{"deploy"},
		MaxConcurrentTasks: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusIdle, profile.Status)

	require.NoError(t, cl.HeartbeatAgent(ctx, "remote-1"))

	agents, err := cl.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	require.NoError(t, cl.DetachAgent(ctx, "remote-1"))
	_, err = cl.GetAgent(ctx, "remote-1")
	assert.Error(t, err)
}
