// Package loop drives the repeated agent iteration cycle: invoke the agent,
// record the outcome, checkpoint on cadence, classify stalls and apply the
// configured recovery strategy. One runner drives one task sequentially.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternarybob/rewind/pkg/checkpoint"
	"github.com/ternarybob/rewind/pkg/recovery"
	"github.com/ternarybob/rewind/pkg/snapshot"
	"github.com/ternarybob/rewind/pkg/stuck"
	"github.com/ternarybob/rewind/pkg/task"
)

// Outcome is what one agent invocation produced.
type Outcome struct {
	Output   string
	Summary  string
	Tokens   int
	Criteria []task.CriterionResult
}

// Agent produces one iteration's output. The mechanism behind it (an
// external code-generation agent) is not this package's concern.
type Agent interface {
	RunIteration(ctx context.Context, prompt string) (*Outcome, error)
}

// Runner owns the per-iteration control flow for one task.
type Runner struct {
	state       *task.State
	store       task.Store
	agent       Agent
	snaps       snapshot.Adapter
	checkpoints *checkpoint.Store
	detector    *stuck.Detector
	engine      *recovery.Engine
	logger      *slog.Logger
	cooldown    time.Duration
	clock       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithSnapshots sets the snapshot adapter used for file metrics and
// checkpoints.
func WithSnapshots(snaps snapshot.Adapter) Option {
	return func(r *Runner) {
		r.snaps = snaps
	}
}

// WithCooldown sets the pause between iterations.
func WithCooldown(d time.Duration) Option {
	return func(r *Runner) {
		r.cooldown = d
	}
}

// WithDetector replaces the stuck detector.
func WithDetector(d *stuck.Detector) Option {
	return func(r *Runner) {
		r.detector = d
	}
}

// WithClock injects a clock (for testing).
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// NewRunner wires a runner for the given task state.
func NewRunner(state *task.State, store task.Store, agent Agent, opts ...Option) *Runner {
	r := &Runner{
		state:    state,
		store:    store,
		agent:    agent,
		logger:   slog.Default(),
		cooldown: time.Second,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.snaps == nil {
		r.snaps = snapshot.NewGitAdapter(".", snapshot.WithLogger(r.logger))
	}
	if r.detector == nil {
		r.detector = stuck.NewDetector()
	}
	r.checkpoints = checkpoint.NewStore(store, r.snaps, checkpoint.WithLogger(r.logger))
	r.engine = recovery.NewEngine(r.checkpoints, recovery.WithLogger(r.logger))
	return r
}

// Checkpoints exposes the runner's checkpoint store.
func (r *Runner) Checkpoints() *checkpoint.Store {
	return r.checkpoints
}

// Run iterates until the criteria are met, the cap or budget is reached,
// recovery aborts, or the context is cancelled. State is persisted after
// every mutation.
func (r *Runner) Run(ctx context.Context) error {
	if r.state.Task.Status != task.StatusRunning {
		return fmt.Errorf("task %s is %s, not running", r.state.Task.ID, r.state.Task.Status)
	}

	var promptSuffix string

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(task.StatusStopped, err)
		}

		if r.state.ExceededBudget() {
			r.logger.Info("budget exhausted", "tokens", r.state.Metrics.TotalTokens)
			return r.finish(task.StatusStopped, nil)
		}

		if err := r.state.BeginIteration(); err != nil {
			return r.finish(task.StatusFailed, err)
		}
		if err := r.store.Save(r.state); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}

		met, err := r.runIteration(ctx, promptSuffix)
		if err != nil {
			return err
		}
		if met {
			r.logger.Info("criteria met", "iteration", r.state.Iteration.Current)
			return r.finish(task.StatusCompleted, nil)
		}

		if r.shouldCheckpoint() {
			if _, err := r.checkpoints.Create(r.state, task.CheckpointAuto); err != nil {
				return fmt.Errorf("auto checkpoint: %w", err)
			}
		}

		promptSuffix = ""
		if sr := r.detector.Classify(r.state); sr.IsStuck {
			r.logger.Warn("stuck detected", "pattern", string(sr.Pattern), "details", sr.Details)

			res := r.engine.Apply(r.state, sr)
			if res.Action == recovery.ActionAbort {
				if err := r.finish(task.StatusFailed, nil); err != nil {
					return err
				}
				return fmt.Errorf("aborted: %s", res.Reason)
			}
			promptSuffix = res.PromptSuffix
			if err := r.store.Save(r.state); err != nil {
				return fmt.Errorf("persist state: %w", err)
			}
		}

		if err := r.pause(ctx); err != nil {
			return r.finish(task.StatusStopped, err)
		}
	}
}

// runIteration invokes the agent once and records the outcome. Returns
// whether the success criteria are met.
func (r *Runner) runIteration(ctx context.Context, promptSuffix string) (bool, error) {
	prompt := r.state.Task.Prompt
	if promptSuffix != "" {
		prompt += "\n\n" + promptSuffix
	}

	start := r.clock()
	outcome, agentErr := r.agent.RunIteration(ctx, prompt)

	rec := task.Record{
		N:         r.state.Iteration.Current,
		Timestamp: start,
		Duration:  r.clock().Sub(start),
	}

	var met bool
	if agentErr != nil {
		rec.Outcome = "error"
		rec.Error = agentErr.Error()
		r.logger.Warn("iteration failed", "n", rec.N, "error", agentErr)
	} else {
		rec.Outcome = outcome.Output
		rec.Summary = outcome.Summary
		rec.Tokens = outcome.Tokens
		rec.Criteria = outcome.Criteria
		rec.Score, met = r.state.Criteria.Evaluate(outcome.Criteria)
	}

	rec.FilesCreated, rec.FilesModified = r.iterationFiles()

	if err := r.state.AppendRecord(rec); err != nil {
		return false, fmt.Errorf("append record: %w", err)
	}
	if err := r.store.Save(r.state); err != nil {
		return false, fmt.Errorf("persist state: %w", err)
	}

	r.logger.Info("iteration recorded",
		"n", rec.N, "score", rec.Score, "tokens", rec.Tokens,
		"created", len(rec.FilesCreated), "modified", len(rec.FilesModified))
	return met, nil
}

// iterationFiles returns pending changed paths not yet counted in the task
// metrics. An approximation of this iteration's delta: paths changed by an
// earlier iteration and still pending are already in the metric sets.
func (r *Runner) iterationFiles() (created, modified []string) {
	allCreated, allModified, err := r.snaps.ChangedPaths()
	if err != nil {
		r.logger.Debug("changed paths unavailable", "error", err)
		return nil, nil
	}

	known := make(map[string]bool)
	for _, p := range r.state.Metrics.FilesCreated {
		known[p] = true
	}
	for _, p := range r.state.Metrics.FilesModified {
		known[p] = true
	}

	for _, p := range allCreated {
		if !known[p] {
			created = append(created, p)
		}
	}
	for _, p := range allModified {
		if !known[p] {
			modified = append(modified, p)
		}
	}
	return created, modified
}

// shouldCheckpoint reports whether the auto cadence fires this iteration.
func (r *Runner) shouldCheckpoint() bool {
	auto := r.state.Checkpoints.Auto
	if !auto.Enabled || auto.Interval <= 0 {
		return false
	}
	return r.state.Iteration.Current%auto.Interval == 0
}

// finish sets the terminal status and persists it.
func (r *Runner) finish(status task.Status, cause error) error {
	r.state.Task.Status = status
	if err := r.store.Save(r.state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return cause
}

// pause sleeps the cooldown, honoring cancellation.
func (r *Runner) pause(ctx context.Context) error {
	if r.cooldown <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.cooldown):
		return nil
	}
}
