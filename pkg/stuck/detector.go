// Package stuck classifies trailing iteration history into stuck patterns.
// Detection is recomputed from history each iteration; nothing here is
// persisted. The heuristics are literal string comparisons, kept behind a
// Matcher interface so they can be swapped without touching the callers.
package stuck

import (
	"fmt"
	"strings"

	"github.com/ternarybob/rewind/pkg/task"
)

// Pattern tags a detected stall.
type Pattern string

const (
	// PatternNone means no stall was detected.
	PatternNone Pattern = ""
	// PatternSameOutput means the agent is repeating itself verbatim.
	PatternSameOutput Pattern = "same-output"
	// PatternNoProgress means churn without forward motion.
	PatternNoProgress Pattern = "no-progress"
	// PatternRepeatingError means a fix attempt did not address the root cause.
	PatternRepeatingError Pattern = "repeating-error"
)

// Result is the classification of the trailing history.
type Result struct {
	IsStuck bool
	Pattern Pattern
	Details string
}

// Matcher recognizes one stuck pattern in trailing history.
type Matcher interface {
	// Pattern returns the tag this matcher reports.
	Pattern() Pattern

	// Match inspects the history against the config and, when it fires,
	// returns a one-line human-readable explanation.
	Match(history []task.Record, cfg task.StuckDetection) (bool, string)
}

// Detector runs matchers in precedence order; the first match wins.
type Detector struct {
	matchers []Matcher
}

// NewDetector creates a detector with the given matchers, most actionable
// first. With no arguments the default matcher set is used:
// repeating-error, then same-output, then no-progress.
func NewDetector(matchers ...Matcher) *Detector {
	if len(matchers) == 0 {
		matchers = []Matcher{
			RepeatingErrorMatcher{},
			SameOutputMatcher{},
			NoProgressMatcher{},
		}
	}
	return &Detector{matchers: matchers}
}

// Classify runs the matchers over the state's trailing history.
func (d *Detector) Classify(state *task.State) Result {
	cfg := state.StuckDetection
	if !cfg.Enabled {
		return Result{}
	}

	for _, m := range d.matchers {
		if ok, details := m.Match(state.Iteration.History, cfg); ok {
			return Result{IsStuck: true, Pattern: m.Pattern(), Details: details}
		}
	}
	return Result{}
}

// RepeatingErrorMatcher fires when the last iteration's failure signature
// matches the one before it.
type RepeatingErrorMatcher struct{}

func (RepeatingErrorMatcher) Pattern() Pattern { return PatternRepeatingError }

func (RepeatingErrorMatcher) Match(history []task.Record, _ task.StuckDetection) (bool, string) {
	if len(history) < 2 {
		return false, ""
	}
	last := history[len(history)-1]
	prev := history[len(history)-2]
	if last.Error == "" || prev.Error == "" {
		return false, ""
	}
	if normalize(last.Error) != normalize(prev.Error) {
		return false, ""
	}
	return true, fmt.Sprintf("Error repeated across iterations %d and %d: %s", prev.N, last.N, firstLine(last.Error))
}

// SameOutputMatcher fires when the trailing threshold of iterations produced
// textually identical output, whitespace-insensitive.
type SameOutputMatcher struct{}

func (SameOutputMatcher) Pattern() Pattern { return PatternSameOutput }

func (SameOutputMatcher) Match(history []task.Record, cfg task.StuckDetection) (bool, string) {
	threshold := cfg.SameOutputThreshold
	if threshold < 2 {
		threshold = 3
	}
	if len(history) < threshold {
		return false, ""
	}

	tail := history[len(history)-threshold:]
	first := normalize(outputOf(tail[0]))
	if first == "" {
		return false, ""
	}
	for _, rec := range tail[1:] {
		if normalize(outputOf(rec)) != first {
			return false, ""
		}
	}
	return true, fmt.Sprintf("Same output repeated %d times", threshold)
}

// NoProgressMatcher fires when the trailing threshold of iterations each
// reported no file changes and no criteria score improvement.
type NoProgressMatcher struct{}

func (NoProgressMatcher) Pattern() Pattern { return PatternNoProgress }

func (NoProgressMatcher) Match(history []task.Record, cfg task.StuckDetection) (bool, string) {
	threshold := cfg.NoProgressThreshold
	if threshold < 1 {
		threshold = 3
	}
	if len(history) < threshold {
		return false, ""
	}

	tail := history[len(history)-threshold:]
	for i, rec := range tail {
		if len(rec.FilesCreated) > 0 || len(rec.FilesModified) > 0 {
			return false, ""
		}
		baseline := 0.0
		if idx := len(history) - threshold + i - 1; idx >= 0 {
			baseline = history[idx].Score
		}
		if rec.Score > baseline {
			return false, ""
		}
	}
	return true, fmt.Sprintf("No file changes or score improvement in the last %d iterations", threshold)
}

// outputOf picks the iteration text used for same-output comparison.
func outputOf(rec task.Record) string {
	if rec.Summary != "" {
		return rec.Summary
	}
	return rec.Outcome
}

// normalize collapses whitespace so formatting differences do not defeat
// equality checks.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// firstLine truncates an error signature to its first line.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
