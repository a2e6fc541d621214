// Package memory is the shared memory layer: tagged, typed entries owned
// by agents, cross-agent sharing with provenance, and knowledge bases
// that aggregate entries by domain expertise.
//
//	Remember ──> entries (per-agent index)
//	    │
//	    └─ type=knowledge ──> every base whose expertise ∩ tags ≠ ∅
//
// Share duplicates an entry under a target agent with provenance back to
// the origin; private entries never leave their owner. When the entry
// count exceeds the configured maximum, the oldest entries are evicted
// first, regardless of owner.
//
// State persists as JSON under the persistence path: entries.json and
// knowledge-bases.json.
package memory
