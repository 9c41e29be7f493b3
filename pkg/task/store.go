package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// NewID returns a globally unique checkpoint/task identifier.
func NewID() string {
	return uuid.NewString()
}

// Store is the durable read/write contract for the aggregate and its
// per-checkpoint records. Last-write-wins is the accepted consistency model.
type Store interface {
	// Load reads the full aggregate.
	Load() (*State, error)

	// Save writes the full aggregate. A failed write must propagate; the
	// core never continues against stale durable state.
	Save(*State) error

	// SaveCheckpoint writes one checkpoint's durable record.
	SaveCheckpoint(Checkpoint) error

	// DeleteCheckpoint removes one checkpoint's durable record. A record
	// that is already gone is not an error.
	DeleteCheckpoint(id string) error
}

// FileStore persists the aggregate as task.json in a task directory, with
// one JSON file per checkpoint under checkpoints/. An external watcher may
// observe task.json changing and rebroadcast it; every Save writes a
// complete, self-consistent document.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the task directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// StatePath returns the path of the aggregate file.
func (s *FileStore) StatePath() string {
	return filepath.Join(s.dir, "task.json")
}

// Load reads the aggregate from task.json.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &state, nil
}

// Save writes the aggregate to task.json.
func (s *FileStore) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(s.StatePath(), data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// checkpointPath returns the durable record path for a checkpoint id.
func (s *FileStore) checkpointPath(id string) string {
	return filepath.Join(s.dir, "checkpoints", id+".json")
}

// SaveCheckpoint writes one checkpoint record, creating the checkpoints
// directory on first use.
func (s *FileStore) SaveCheckpoint(cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Join(s.dir, "checkpoints"), 0755); err != nil {
		return fmt.Errorf("create checkpoints dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(s.checkpointPath(cp.ID), data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads one checkpoint record.
func (s *FileStore) LoadCheckpoint(id string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(s.checkpointPath(id))
	if err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes one checkpoint record, tolerating a record that
// was already deleted.
func (s *FileStore) DeleteCheckpoint(id string) error {
	err := os.Remove(s.checkpointPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
