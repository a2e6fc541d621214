// Package conflict arbitrates simultaneous claims on a resource or task
// assignment. A named strategy picks a winner; losers receive a rejection
// through the resolution record. Resolved and stale conflicts are dropped
// by GC.
package conflict
