package storage

import (
	"encoding/json"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

var (
	bucketTasks  = []byte("tasks")
	bucketAgents = []byte("agents")
)

// terminalStatuses are excluded from GetActiveTasks.
var terminalStatuses = map[string]bool{
	string(types.TaskStatusCompleted): true,
	string(types.TaskStatusFailed):    true,
	string(types.TaskStatusCancelled): true,
}

// BoltStore implements Store using BoltDB, one JSON document per record.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rookery.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketAgents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errdefs.Wrap(errdefs.KindInternal, err, "create bucket %s", bucket)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveTask upserts a task record by id.
func (s *BoltStore) SaveTask(record *types.TaskRecord) error {
	if record.ID == "" {
		return errdefs.InvalidInput("task record needs an id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(record)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "encode task %s", record.ID)
		}
		return b.Put([]byte(record.ID), data)
	})
}

// GetTask reads one task record.
func (s *BoltStore) GetTask(id string) (*types.TaskRecord, error) {
	var record types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("task %s not found", id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetActiveTasks lists records whose status is not terminal.
func (s *BoltStore) GetActiveTasks() ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var record types.TaskRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if terminalStatuses[record.Status] {
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

// ListTasks lists every task record.
func (s *BoltStore) ListTasks() ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var record types.TaskRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

// DeleteTask removes a task record; unknown ids are a no-op.
func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// GetStats counts task records by status.
func (s *BoltStore) GetStats() (map[string]int, error) {
	stats := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var record types.TaskRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			stats[record.Status]++
			return nil
		})
	})
	return stats, err
}

// SaveAgent upserts an agent profile by id.
func (s *BoltStore) SaveAgent(profile *types.AgentProfile) error {
	if profile.ID == "" {
		return errdefs.InvalidInput("agent profile needs an id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(profile)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "encode agent %s", profile.ID)
		}
		return b.Put([]byte(profile.ID), data)
	})
}

// GetAgent reads one agent profile.
func (s *BoltStore) GetAgent(id string) (*types.AgentProfile, error) {
	var profile types.AgentProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("agent %s not found", id)
		}
		return json.Unmarshal(data, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListAgents lists every stored agent profile.
func (s *BoltStore) ListAgents() ([]*types.AgentProfile, error) {
	var profiles []*types.AgentProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var profile types.AgentProfile
			if err := json.Unmarshal(v, &profile); err != nil {
				return err
			}
			profiles = append(profiles, &profile)
			return nil
		})
	})
	return profiles, err
}

// DeleteAgent removes an agent profile; unknown ids are a no-op.
func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}
