// Package storage persists orchestrator state in BoltDB. Records are
// stored as JSON documents keyed by id, one bucket per record kind:
//
//	tasks   flattened task records (status, deps, assigned agent)
//	agents  registered agent profiles
//
// SaveTask and SaveAgent are upserts; a successful save is durable and
// immediately visible to reads.
package storage
