/*
Package engine owns the canonical task state machine.

	pending ──▶ queued ──▶ assigned ──▶ running ──▶ completed
	   ▲                      │            │
	   │                      ▼            ├──▶ failed (budget spent)
	   └──────────────────────┴────────────┘    (retry: failed/running ▶ pending)

	any non-terminal ──▶ cancelled

Every mutation happens under the engine's lock, so events for one task id
are totally ordered. The dependency graph, circuit breaker set and
conflict registry are owned here; the scheduler is consulted for agent
selection and calls back through Steal for rebalancing.

A periodic dispatch loop admits ready pending tasks (dependency-satisfied,
retry backoff elapsed) to queued and attempts automatic assignment, fails
running tasks past their timeout, and sweeps terminal tasks past the
retention window.

Retries are exponential from the configured base delay up to the max, with
optional jitter. The failing agent is preferred for the next attempt
unless it was fenced off by its circuit.
*/
package engine
