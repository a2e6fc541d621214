package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/corvid-labs/rookery/pkg/breaker"
	"github.com/corvid-labs/rookery/pkg/conflict"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// Get returns a copy of the task.
func (e *Engine) Get(taskID string) (*types.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return nil, errdefs.NotFound("task %s not found", taskID)
	}
	snapshot := *t
	return &snapshot, nil
}

// ListFilter narrows and orders List results. Zero fields match everything.
type ListFilter struct {
	Status types.TaskStatus
	Type   string
	Agent  string
	Tags   []string
	Since  time.Time
	Until  time.Time
	SortBy string // created, priority, status; default created
	Limit  int
}

// List returns tasks matching the filter.
func (e *Engine) List(filter ListFilter) []types.Task {
	e.mu.Lock()
	var out []types.Task
	for _, t := range e.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Agent != "" && t.AssignedAgent != filter.Agent {
			continue
		}
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && t.CreatedAt.After(filter.Until) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(t.Tags, filter.Tags) {
			continue
		}
		out = append(out, *t)
	}
	e.mu.Unlock()

	switch strings.ToLower(filter.SortBy) {
	case "priority":
		sort.Slice(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].ID < out[j].ID
		})
	case "status":
		sort.Slice(out, func(i, j int) bool {
			if out[i].Status != out[j].Status {
				return out[i].Status < out[j].Status
			}
			return out[i].ID < out[j].ID
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, tag := range have {
		set[tag] = true
	}
	for _, tag := range want {
		if !set[tag] {
			return false
		}
	}
	return true
}

// Stats summarises the task population.
type Stats struct {
	Total       int
	ByStatus    map[string]int
	ByType      map[string]int
	Running     int
	AvgDuration time.Duration
}

// TaskStats returns counts by status and type plus the average duration of
// completed tasks.
func (e *Engine) TaskStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
		Running:  e.running,
	}
	var totalDur time.Duration
	completed := 0
	for _, t := range e.tasks {
		stats.Total++
		stats.ByStatus[string(t.Status)]++
		stats.ByType[t.Type]++
		if t.Status == types.TaskStatusCompleted && !t.EndedAt.IsZero() && !t.StartedAt.IsZero() {
			totalDur += t.EndedAt.Sub(t.StartedAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AvgDuration = totalDur / time.Duration(completed)
	}
	return stats
}

// CriticalPath returns the longest timeout-weighted dependency chain.
func (e *Engine) CriticalPath() ([]string, time.Duration) {
	return e.graph.CriticalPath()
}

// TopologicalSort returns a dependency-consistent total order of tasks.
func (e *Engine) TopologicalSort() ([]string, error) {
	return e.graph.TopologicalSort()
}

// DetectCycles reports cycles among non-completed tasks, for diagnostics.
func (e *Engine) DetectCycles() [][]string {
	return e.graph.DetectCycles()
}

// GraphDot exports the dependency graph in DOT format.
func (e *Engine) GraphDot() string {
	return e.graph.ToDot()
}

// Resolver exposes the conflict registry for query surfaces.
func (e *Engine) Resolver() *conflict.Resolver {
	return e.resolver
}

// Breakers exposes circuit diagnostics and admin resets.
func (e *Engine) Breakers() *breaker.Set {
	return e.breakers
}
