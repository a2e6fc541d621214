/*
Package types defines the core data structures used throughout Rookery.

This package contains all fundamental types that represent Rookery's domain
model: tasks and their lifecycle, agent profiles, bus messages, channels,
queues, subscriptions, shared memory entries, and conflict records. These
types are used by every other package for state management, routing, and
coordination logic.

# Core Types

Task lifecycle:
  - Task: a unit of work with priority, dependencies and retry budget
  - TaskStatus: pending, queued, assigned, running, completed, failed, cancelled
  - TaskError: structured failure cause attached to a task

Agents:
  - AgentProfile: capabilities, concurrency cap, heartbeat and load state
  - AgentStatus: idle, busy, error, offline

Messaging:
  - Message: addressed payload with priority, reliability and TTL
  - ChannelConfig / QueueConfig / Subscription: bus topology records
  - MessagePriority, Reliability, ChannelType, QueueType, DeliveryMode

Coordination:
  - Conflict / Claim: simultaneous claims arbitrated by the resolver
  - Workload / StealOperation / SchedulerStats: work-stealing records

Memory:
  - MemoryEntry: tagged, typed record owned by an agent
  - ShareLevel: private, team, public
  - Provenance: origin link on shared copies

Persistence:
  - TaskRecord: flattened task shape written through the Store interface

All enum-like types are closed sets of string constants so that records
serialize cleanly as JSON and compare cheaply. Status transition rules are
enforced by pkg/engine, not here; this package only answers terminal-state
questions (TaskStatus.IsTerminal, Task.Terminal).
*/
package types
