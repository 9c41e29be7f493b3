// Package checkpoint manages the durable, ordered collection of checkpoints
// for a task: creation on a cadence or on demand, retention pruning, and
// rollback of both the working tree and the task state.
package checkpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ternarybob/rewind/pkg/snapshot"
	"github.com/ternarybob/rewind/pkg/task"
)

// Store coordinates checkpoint records with the snapshot adapter and the
// task persistence layer. Create, prune and rollback mutate the same items
// collection and must be sequenced by one driver; the store does not guard
// against concurrent mutation.
type Store struct {
	persist task.Store
	snaps   snapshot.Adapter
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a checkpoint store.
func NewStore(persist task.Store, snaps snapshot.Adapter, opts ...Option) *Store {
	s := &Store{
		persist: persist,
		snaps:   snaps,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create captures a checkpoint at the current iteration. A snapshot failure
// is non-fatal: the checkpoint is still recorded with the None sentinel so
// pruning and the metrics copy proceed uniformly. The sequence is
// create, prune, persist within one logical step.
func (s *Store) Create(state *task.State, typ task.CheckpointType) (*task.Checkpoint, error) {
	label := fmt.Sprintf("checkpoint-%d", state.Iteration.Current)

	ref, err := s.snaps.Take(label)
	if err != nil {
		s.logger.Warn("snapshot failed, recording checkpoint without one",
			"iteration", state.Iteration.Current, "error", err)
		ref = snapshot.None
	}

	cp := task.Checkpoint{
		ID:        task.NewID(),
		Iteration: state.Iteration.Current,
		CreatedAt: time.Now(),
		Type:      typ,
		Snapshot:  ref,
		Metrics:   state.Metrics.Clone(),
	}

	if err := s.persist.SaveCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}

	state.Checkpoints.Items = append(state.Checkpoints.Items, cp)
	s.Prune(state)

	if err := s.persist.Save(state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	s.logger.Info("checkpoint created",
		"id", cp.ID, "iteration", cp.Iteration, "type", string(typ), "snapshot", ref.String())
	return &cp, nil
}

// RollbackTo restores the working tree and task state to the named
// checkpoint. A failed snapshot restore is logged but the state rollback
// still proceeds: the rolled-back metrics and history remain useful even
// when the code snapshot did not apply cleanly, so the working tree may be
// left inconsistent with them. That tolerance is deliberate.
func (s *Store) RollbackTo(id string, state *task.State) bool {
	var cp *task.Checkpoint
	for i := range state.Checkpoints.Items {
		if state.Checkpoints.Items[i].ID == id {
			cp = &state.Checkpoints.Items[i]
			break
		}
	}
	if cp == nil {
		s.logger.Warn("rollback target not found", "id", id)
		return false
	}

	if !s.snaps.Restore(cp.Snapshot) {
		s.logger.Warn("snapshot restore failed, rolling back state only",
			"id", id, "snapshot", cp.Snapshot.String())
	}

	state.Metrics = cp.Metrics.Clone()
	state.TruncateHistory(cp.Iteration)

	if err := s.persist.Save(state); err != nil {
		s.logger.Error("persist after rollback failed", "id", id, "error", err)
		return false
	}

	s.logger.Info("rolled back to checkpoint", "id", id, "iteration", cp.Iteration)
	return true
}

// RollbackToLatest rolls back to the checkpoint with the highest iteration
// number. Ties are broken arbitrarily; callers must not rely on tie order.
// Returns false when no checkpoint exists.
func (s *Store) RollbackToLatest(state *task.State) bool {
	items := state.Checkpoints.Items
	if len(items) == 0 {
		return false
	}

	latest := items[0]
	for _, cp := range items[1:] {
		if cp.Iteration >= latest.Iteration {
			latest = cp
		}
	}
	return s.RollbackTo(latest.ID, state)
}

// Prune removes oldest-first checkpoints until the retained count is within
// the keep limit, deleting each durable record and dropping its snapshot
// together. A record that is already gone is tolerated.
func (s *Store) Prune(state *task.State) {
	keep := state.Checkpoints.Auto.Keep
	if keep <= 0 {
		return
	}

	for len(state.Checkpoints.Items) > keep {
		oldest := 0
		for i, cp := range state.Checkpoints.Items {
			if cp.Iteration < state.Checkpoints.Items[oldest].Iteration {
				oldest = i
			}
		}
		victim := state.Checkpoints.Items[oldest]

		if err := s.persist.DeleteCheckpoint(victim.ID); err != nil {
			s.logger.Warn("delete checkpoint record failed", "id", victim.ID, "error", err)
		}
		if !s.snaps.Drop(victim.Snapshot) {
			s.logger.Warn("drop snapshot failed", "id", victim.ID, "snapshot", victim.Snapshot.String())
		}

		state.Checkpoints.Items = append(
			state.Checkpoints.Items[:oldest],
			state.Checkpoints.Items[oldest+1:]...)

		s.logger.Debug("pruned checkpoint", "id", victim.ID, "iteration", victim.Iteration)
	}
}

// List returns all checkpoints ordered newest-iteration-first. Pure read.
func (s *Store) List(state *task.State) []task.Checkpoint {
	items := append([]task.Checkpoint(nil), state.Checkpoints.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Iteration > items[j].Iteration
	})
	return items
}
