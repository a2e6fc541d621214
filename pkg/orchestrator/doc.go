// Package orchestrator assembles the subsystems into one running node.
//
// The orchestrator owns composition and glue, nothing else: task
// semantics live in pkg/engine, delivery in pkg/bus, placement in
// pkg/scheduler. Engine events drive everything downstream:
//
//	Create/Cancel ──> engine ──events──> orchestrator
//	                    │                     │
//	                scheduler        ┌────────┼────────┐
//	                (placement)      v        v        v
//	                               store     bus     broker
//	                                          │
//	                                   task.execute
//	                                          v
//	                                       agents
//
// On task.assigned the orchestrator sends an at-least-once task.execute
// message to the chosen agent; the agent reports back through the
// Coordinator interface, which the orchestrator implements. Agents that
// stop heartbeating have their stranded tasks requeued.
package orchestrator
