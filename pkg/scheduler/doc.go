/*
Package scheduler picks agents for tasks and keeps load balanced across
the fleet.

Assignment scores each live agent:

	score = capabilityMatch * w_cap - load * w_load + priority * w_prio

where capabilityMatch is the fraction of the task's required capabilities
the agent covers and load is task-count over max-concurrent. The highest
score wins; negative scores, offline or errored agents, and agents at
capacity are excluded. Ties break by lower load, then lower id.

A periodic tick does two jobs:

  - heartbeat check: agents silent past the heartbeat window are marked
    offline and their tracked tasks handed to the down callback
  - rebalance: when one agent's task count sits above mean+threshold and
    another's below mean-threshold, up to MaxStealBatch of the overloaded
    agent's lowest-priority tasks move to the underloaded one, capability
    permitting. The actual swap is delegated to the task owner through
    StealFunc so task state stays consistent.
*/
package scheduler
