// Package task holds the aggregate state for a running iteration task and
// its file-backed persistence.
package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/rewind/pkg/snapshot"
)

// Status is the lifecycle status of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// EvalMode selects how criteria results combine into pass/fail.
type EvalMode string

const (
	EvalAll      EvalMode = "all"
	EvalAny      EvalMode = "any"
	EvalWeighted EvalMode = "weighted"
)

// Strategy is the configured recovery strategy applied once a task is stuck.
type Strategy string

const (
	StrategyRetryVariation Strategy = "retry-variation"
	StrategySimplify       Strategy = "simplify"
	StrategyRollback       Strategy = "rollback"
	StrategyAbort          Strategy = "abort"
)

// CheckpointType distinguishes scheduled from on-demand checkpoints.
type CheckpointType string

const (
	CheckpointAuto   CheckpointType = "auto"
	CheckpointManual CheckpointType = "manual"
)

// State is the aggregate record for one running task. One loop mutates it at
// a time; it is persisted after every mutation so a crash loses at most the
// in-flight iteration.
type State struct {
	Task           TaskInfo       `json:"task"`
	Iteration      Iteration      `json:"iteration"`
	Criteria       Criteria       `json:"criteria"`
	Budget         Budget         `json:"budget"`
	Checkpoints    Checkpoints    `json:"checkpoints"`
	StuckDetection StuckDetection `json:"stuckDetection"`
	Metrics        Metrics        `json:"metrics"`
}

// TaskInfo identifies the task being iterated on.
type TaskInfo struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	StartedAt time.Time `json:"startedAt"`
	Status    Status    `json:"status"`
}

// Iteration tracks the iteration counter and trailing history.
type Iteration struct {
	Current          int       `json:"current"`
	Max              int       `json:"max"`
	CurrentStartedAt time.Time `json:"currentStartedAt"`
	History          []Record  `json:"history"`
}

// Record is one iteration's outcome. Append-only except on rollback, which
// truncates.
type Record struct {
	N             int               `json:"n"`
	Timestamp     time.Time         `json:"timestamp"`
	Duration      time.Duration     `json:"duration"`
	Tokens        int               `json:"tokens"`
	Outcome       string            `json:"outcome"`
	Summary       string            `json:"summary"`
	Error         string            `json:"error,omitempty"`
	Score         float64           `json:"score"`
	FilesCreated  []string          `json:"filesCreated,omitempty"`
	FilesModified []string          `json:"filesModified,omitempty"`
	Criteria      []CriterionResult `json:"criteria,omitempty"`
}

// Criteria defines how iteration outcomes are evaluated.
type Criteria struct {
	Mode          EvalMode    `json:"mode"`
	RequiredScore float64     `json:"requiredScore"`
	Items         []Criterion `json:"items"`
}

// Criterion is one success criterion definition.
type Criterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
}

// CriterionResult is one criterion's evaluation for an iteration.
type CriterionResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
}

// Budget holds optional ceilings on wall-clock time and token spend.
// Advisory only; the driver checks it at iteration boundaries.
type Budget struct {
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	MaxTokens   int           `json:"maxTokens,omitempty"`
}

// Checkpoints holds the checkpoint cadence config and the retained records.
type Checkpoints struct {
	Auto  AutoCheckpoint `json:"auto"`
	Items []Checkpoint   `json:"items"`
}

// AutoCheckpoint configures the automatic checkpoint cadence.
type AutoCheckpoint struct {
	Enabled  bool `json:"enabled"`
	Interval int  `json:"interval"`
	Keep     int  `json:"keep"`
}

// Checkpoint is a retained snapshot of code and metrics at one iteration.
// The aggregate is the source of truth for ordering and retention; the
// individual durable record is the source of truth for the metrics copy.
type Checkpoint struct {
	ID        string         `json:"id"`
	Iteration int            `json:"iteration"`
	CreatedAt time.Time      `json:"createdAt"`
	Type      CheckpointType `json:"type"`
	Snapshot  snapshot.Ref   `json:"snapshot"`
	Metrics   Metrics        `json:"metrics"`
}

// StuckDetection configures the stuck classifier and recovery strategy.
type StuckDetection struct {
	Enabled             bool     `json:"enabled"`
	SameOutputThreshold int      `json:"sameOutputThreshold"`
	NoProgressThreshold int      `json:"noProgressThreshold"`
	Strategy            Strategy `json:"strategy"`
}

// Metrics accumulates counters across iterations. File sets are
// deduplicated and kept sorted.
type Metrics struct {
	TotalTokens   int           `json:"totalTokens"`
	TotalDuration time.Duration `json:"totalDuration"`
	FilesCreated  []string      `json:"filesCreated"`
	FilesModified []string      `json:"filesModified"`
}

// New creates the state for a fresh task.
func New(id, prompt string, maxIterations int) *State {
	return &State{
		Task: TaskInfo{
			ID:        id,
			Prompt:    prompt,
			StartedAt: time.Now(),
			Status:    StatusRunning,
		},
		Iteration: Iteration{Max: maxIterations},
		Criteria:  Criteria{Mode: EvalAll},
		Checkpoints: Checkpoints{
			Auto: AutoCheckpoint{Enabled: true, Interval: 5, Keep: 5},
		},
		StuckDetection: StuckDetection{
			Enabled:             true,
			SameOutputThreshold: 3,
			NoProgressThreshold: 3,
			Strategy:            StrategyRetryVariation,
		},
	}
}

// BeginIteration advances the iteration counter. Fails when the cap is
// reached.
func (s *State) BeginIteration() error {
	if s.Iteration.Current >= s.Iteration.Max {
		return fmt.Errorf("iteration cap reached (%d)", s.Iteration.Max)
	}
	s.Iteration.Current++
	s.Iteration.CurrentStartedAt = time.Now()
	return nil
}

// AppendRecord appends an iteration outcome to history, enforcing that
// record numbers are strictly increasing and never ahead of the counter.
func (s *State) AppendRecord(rec Record) error {
	if rec.N > s.Iteration.Current {
		return fmt.Errorf("record %d is ahead of current iteration %d", rec.N, s.Iteration.Current)
	}
	if n := len(s.Iteration.History); n > 0 && rec.N <= s.Iteration.History[n-1].N {
		return fmt.Errorf("record %d does not follow %d", rec.N, s.Iteration.History[n-1].N)
	}
	s.Iteration.History = append(s.Iteration.History, rec)

	s.Metrics.TotalTokens += rec.Tokens
	s.Metrics.TotalDuration += rec.Duration
	s.Metrics.AddFiles(rec.FilesCreated, rec.FilesModified)
	return nil
}

// TruncateHistory drops history entries past the given iteration and resets
// the counter to it. Used by rollback.
func (s *State) TruncateHistory(iteration int) {
	kept := s.Iteration.History[:0]
	for _, rec := range s.Iteration.History {
		if rec.N <= iteration {
			kept = append(kept, rec)
		}
	}
	s.Iteration.History = kept
	s.Iteration.Current = iteration
}

// LastRecords returns up to n trailing history entries, oldest first.
func (s *State) LastRecords(n int) []Record {
	h := s.Iteration.History
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	return h[len(h)-n:]
}

// AddFiles merges created and modified paths into the metric sets,
// deduplicating against both.
func (m *Metrics) AddFiles(created, modified []string) {
	m.FilesCreated = mergePaths(m.FilesCreated, created)
	// A path already recorded as created stays created.
	known := make(map[string]bool, len(m.FilesCreated))
	for _, p := range m.FilesCreated {
		known[p] = true
	}
	var mod []string
	for _, p := range modified {
		if !known[p] {
			mod = append(mod, p)
		}
	}
	m.FilesModified = mergePaths(m.FilesModified, mod)
}

// Clone returns a deep copy of the metrics.
func (m Metrics) Clone() Metrics {
	c := m
	c.FilesCreated = append([]string(nil), m.FilesCreated...)
	c.FilesModified = append([]string(nil), m.FilesModified...)
	return c
}

// mergePaths unions two path lists into a sorted, deduplicated list.
func mergePaths(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	set := make(map[string]bool, len(existing)+len(add))
	for _, p := range existing {
		set[p] = true
	}
	for _, p := range add {
		if p != "" {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Evaluate combines criterion results per the configured mode and reports
// whether the task's success criteria are met.
func (c Criteria) Evaluate(results []CriterionResult) (score float64, met bool) {
	if len(results) == 0 {
		return 0, false
	}

	switch c.Mode {
	case EvalAny:
		passed := 0
		for _, r := range results {
			if r.Passed {
				passed++
			}
		}
		return float64(passed) / float64(len(results)), passed > 0

	case EvalWeighted:
		var total, sum float64
		for _, r := range results {
			w := c.weightFor(r.Name)
			total += w
			sum += w * r.Score
		}
		if total == 0 {
			return 0, false
		}
		score = sum / total
		required := c.RequiredScore
		if required == 0 {
			required = 1
		}
		return score, score >= required

	default: // EvalAll
		passed := 0
		for _, r := range results {
			if r.Passed {
				passed++
			}
		}
		return float64(passed) / float64(len(results)), passed == len(results)
	}
}

// weightFor returns the configured weight for a criterion, default 1.
func (c Criteria) weightFor(name string) float64 {
	for _, item := range c.Items {
		if item.Name == name && item.Weight > 0 {
			return item.Weight
		}
	}
	return 1
}

// ExceededBudget reports whether the advisory budget is spent.
func (s *State) ExceededBudget() bool {
	if s.Budget.MaxTokens > 0 && s.Metrics.TotalTokens >= s.Budget.MaxTokens {
		return true
	}
	if s.Budget.MaxDuration > 0 && time.Since(s.Task.StartedAt) >= s.Budget.MaxDuration {
		return true
	}
	return false
}
