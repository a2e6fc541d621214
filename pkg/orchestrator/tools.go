package orchestrator

import (
	"context"

	"github.com/corvid-labs/rookery/pkg/memory"
	"github.com/corvid-labs/rookery/pkg/registry"
)

// registerTools installs the builtin tools every deployment gets. Agents
// and API clients invoke these through the tool registry; domain tools
// are registered on top by the embedding program.
func (o *Orchestrator) registerTools() {
	o.tools.Register(registry.Tool{
		Name:        "task/stats",
		Description: "Counts of tasks per status plus queue depth",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return o.engine.TaskStats(), nil
		},
	})

	o.tools.Register(registry.Tool{
		Name:        "task/critical-path",
		Description: "Longest dependency chain through the task graph",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, duration := o.engine.CriticalPath()
			return map[string]any{
				"path":        path,
				"duration_ms": duration.Milliseconds(),
			}, nil
		},
	})

	o.tools.Register(registry.Tool{
		Name:        "graph/export",
		Description: "Dependency graph in DOT format",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return o.engine.GraphDot(), nil
		},
	})

	o.tools.Register(registry.Tool{
		Name:        "memory/search",
		Description: "Search knowledge bases for entries matching a term",
		InputSchema: &registry.Schema{
			Type: "object",
			Properties: map[string]*registry.Schema{
				"term":      {Type: "string"},
				"domain":    {Type: "string"},
				"expertise": {Type: "string"},
			},
			Required: []string{"term"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			term, _ := args["term"].(string)
			domain, _ := args["domain"].(string)
			expertise, _ := args["expertise"].(string)
			return o.memory.SearchKnowledge(term, domain, expertise), nil
		},
	})

	o.tools.Register(registry.Tool{
		Name:        "memory/recall",
		Description: "Recall memory entries for an agent",
		InputSchema: &registry.Schema{
			Type: "object",
			Properties: map[string]*registry.Schema{
				"agent_id": {Type: "string"},
				"limit":    {Type: "integer"},
			},
			Required: []string{"agent_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			agentID, _ := args["agent_id"].(string)
			limit := 0
			if n, ok := args["limit"].(float64); ok {
				limit = int(n)
			}
			return o.memory.Recall(memory.Query{
				Agent:     agentID,
				Requester: agentID,
				Limit:     limit,
			}), nil
		},
	})

	o.tools.Register(registry.Tool{
		Name:        "agent/workloads",
		Description: "Current load per registered agent",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return o.sched.Workloads(), nil
		},
	})
}
