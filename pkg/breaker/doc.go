/*
Package breaker implements per-name circuit breakers for fencing off flaky
collaborators.

A breaker moves between three states:

	closed ──(failure threshold)──▶ open
	open ──(open timeout)──▶ half-open
	half-open ──(success threshold)──▶ closed
	half-open ──(any failure)──▶ open

In the open state every call is rejected with a CircuitOpen error until the
open timeout elapses; the first call after expiry is admitted as a probe. The
half-open state admits at most HalfOpenLimit concurrent probes. Callers only
ever observe the wrapped result or CircuitOpen; admission mechanics stay
internal.

The Set type keys breakers by collaborator name and creates them lazily, so
callers write:

	err := set.Execute(ctx, agentID, func(ctx context.Context) error { ... })
*/
package breaker
