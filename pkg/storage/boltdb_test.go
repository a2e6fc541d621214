package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func taskRecord(id, status string) *types.TaskRecord {
	return &types.TaskRecord{
		ID:        id,
		Type:      "analysis",
		Status:    status,
		Priority:  5,
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestSaveTaskUpsert(t *testing.T) {
	s := newTestStore(t)

	record := taskRecord("t1", "pending")
	require.NoError(t, s.SaveTask(record))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)

	record.Status = "running"
	record.AssignedAgent = "worker-1"
	require.NoError(t, s.SaveTask(record))

	got, err = s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "worker-1", got.AssignedAgent)

	assert.True(t, errdefs.IsInvalidInput(s.SaveTask(&types.TaskRecord{})))
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask("missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetActiveTasksExcludesTerminal(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTask(taskRecord("t1", "pending")))
	require.NoError(t, s.SaveTask(taskRecord("t2", "running")))
	require.NoError(t, s.SaveTask(taskRecord("t3", "completed")))
	require.NoError(t, s.SaveTask(taskRecord("t4", "failed")))
	require.NoError(t, s.SaveTask(taskRecord("t5", "cancelled")))

	active, err := s.GetActiveTasks()
	require.NoError(t, err)
	require.Len(t, active, 2)

	all, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTask(taskRecord("t1", "pending")))
	require.NoError(t, s.SaveTask(taskRecord("t2", "pending")))
	require.NoError(t, s.SaveTask(taskRecord("t3", "completed")))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pending": 2, "completed": 1}, stats)
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTask(taskRecord("t1", "pending")))
	require.NoError(t, s.DeleteTask("t1"))
	_, err := s.GetTask("t1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)

	profile := &types.AgentProfile{
		ID:                 "worker-1",
		Type:               "analyst",
		Capabilities:       []string{"analysis"},
		Priority:           5,
		MaxConcurrentTasks: 4,
		Status:             types.AgentStatusIdle,
	}
	require.NoError(t, s.SaveAgent(profile))

	got, err := s.GetAgent("worker-1")
	require.NoError(t, err)
	assert.Equal(t, profile.Capabilities, got.Capabilities)
	assert.Equal(t, 4, got.MaxConcurrentTasks)

	agents, err := s.ListAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent("worker-1"))
	_, err = s.GetAgent("worker-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestReopenDurability(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveTask(taskRecord("t1", "pending")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
}
