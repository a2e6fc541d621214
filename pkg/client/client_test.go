package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

func TestErrorKindsSurviveTheWire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "task t1 not found",
			"kind":  "not_found",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "t1")
}

func TestCreateTaskRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/tasks", r.URL.Path)

		var spec TaskSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		assert.Equal(t, "analysis", spec.Type)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.Task{
			ID:     "t1",
			Type:   spec.Type,
			Status: types.TaskStatusPending,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	task, err := c.CreateTask(context.Background(), TaskSpec{Type: "analysis"})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, types.TaskStatusPending, task.Status)
}

func TestListTasksEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "failed", q.Get("status"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "a,b", q.Get("tags"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []types.Task{{ID: "t1"}},
			"count": 1,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	tasks, err := c.ListTasks(context.Background(), TaskFilter{
		Status: "failed",
		Tags:   []string{"a", "b"},
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestBareHostGetsScheme(t *testing.T) {
	c := New("localhost:7420")
	assert.Equal(t, "rookery@http://localhost:7420", c.String())
}

func TestUnreachableNodeIsDeliveryFailure(t *testing.T) {
	c := New("http://127.0.0.1:1")
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsDeliveryFailure(err))
}
