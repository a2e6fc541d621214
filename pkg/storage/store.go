package storage

import (
	"github.com/corvid-labs/rookery/pkg/types"
)

// Store persists task and agent records for the orchestrator. SaveTask is
// an upsert; reads after a returned SaveTask observe the write.
type Store interface {
	// Tasks
	SaveTask(record *types.TaskRecord) error
	GetTask(id string) (*types.TaskRecord, error)
	GetActiveTasks() ([]*types.TaskRecord, error)
	ListTasks() ([]*types.TaskRecord, error)
	DeleteTask(id string) error
	GetStats() (map[string]int, error)

	// Agents
	SaveAgent(profile *types.AgentProfile) error
	GetAgent(id string) (*types.AgentProfile, error)
	ListAgents() ([]*types.AgentProfile, error)
	DeleteAgent(id string) error

	// Utility
	Close() error
}
