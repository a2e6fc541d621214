// Package agent is the worker runtime. An agent registers with the
// orchestrator, heartbeats on an interval, and receives task assignments
// and cancel requests over its bus transport. Handlers are registered
// per task type; outcomes are reported back through the Coordinator
// interface.
//
//	bus ──(task.execute)──> Agent ──> handler ──> Complete/Fail
//	     <──(ack)──────────   │
//	                          └── heartbeat loop
package agent
