// Package recovery maps a detected stall to a concrete next action: continue
// with an amended prompt, or abort. The rollback strategy is the only path
// with a side effect; everything else is a pure function of its inputs.
package recovery

import (
	"log/slog"

	"github.com/ternarybob/rewind/pkg/stuck"
	"github.com/ternarybob/rewind/pkg/task"
)

// Action is the decision consumed by the driver each iteration.
type Action string

const (
	// ActionContinue means retry with the attached prompt suffix.
	ActionContinue Action = "continue"
	// ActionAbort means terminate the loop.
	ActionAbort Action = "abort"
)

// Result is the recovery decision. Continue always carries a PromptSuffix,
// abort always carries a Reason.
type Result struct {
	Action       Action `json:"action"`
	PromptSuffix string `json:"promptSuffix,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Rollbacker is the checkpoint operation the rollback strategy consults.
type Rollbacker interface {
	RollbackToLatest(state *task.State) bool
}

// Engine decides recovery actions from the configured strategy and the
// detected pattern.
type Engine struct {
	checkpoints Rollbacker
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a recovery engine. The rollbacker may be nil, in which
// case the rollback strategy always falls back to variation guidance.
func NewEngine(checkpoints Rollbacker, opts ...Option) *Engine {
	e := &Engine{
		checkpoints: checkpoints,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply maps the configured strategy and the stuck result to an action.
// Never returns anything other than continue or abort; an unrecognized
// strategy degrades to a generic continue rather than halting the process.
func (e *Engine) Apply(state *task.State, sr stuck.Result) Result {
	strategy := state.StuckDetection.Strategy

	switch strategy {
	case task.StrategyRetryVariation:
		return Result{Action: ActionContinue, PromptSuffix: variationPrompt(sr)}

	case task.StrategySimplify:
		return Result{Action: ActionContinue, PromptSuffix: simplifyPrompt(sr)}

	case task.StrategyRollback:
		if e.checkpoints != nil && e.checkpoints.RollbackToLatest(state) {
			return Result{Action: ActionContinue, PromptSuffix: rollbackPrompt(sr)}
		}
		e.logger.Warn("rollback unavailable, falling back to variation", "pattern", string(sr.Pattern))
		return Result{Action: ActionContinue, PromptSuffix: noCheckpointPrompt(sr)}

	case task.StrategyAbort:
		return Result{Action: ActionAbort, Reason: sr.Details}

	default:
		e.logger.Warn("unrecognized recovery strategy, continuing", "strategy", string(strategy))
		return Result{Action: ActionContinue, PromptSuffix: defaultPrompt(sr)}
	}
}

func variationPrompt(sr stuck.Result) string {
	return "Progress has stalled: " + sr.Details + ". " +
		"Do NOT repeat the previous approach; it has not worked. " +
		"Take a structurally different angle: if you worked top-down, try bottom-up; " +
		"re-read the full error output closely before changing anything; " +
		"question the assumption the previous attempts shared."
}

func simplifyPrompt(sr stuck.Result) string {
	return "Progress has stalled: " + sr.Details + ". " +
		"Stop and reduce scope: enumerate the remaining work, pick the single " +
		"smallest change that moves it forward, implement only that change, and " +
		"verify it works before continuing to anything else."
}

func rollbackPrompt(sr stuck.Result) string {
	return "The working tree was rolled back to an earlier checkpoint because " +
		"progress had stalled: " + sr.Details + ". " +
		"Start fresh from this restored state with a clean approach; do not try " +
		"to reconstruct the discarded attempts."
}

func noCheckpointPrompt(sr stuck.Result) string {
	return "Progress has stalled: " + sr.Details + ". " +
		"No checkpoint was available to roll back to, so continue from the " +
		"current tree — but do NOT repeat the previous approach. " +
		"Take a structurally different angle and re-read the error output closely."
}

func defaultPrompt(sr stuck.Result) string {
	return "Progress has stalled: " + sr.Details + ". " +
		"Reassess the remaining work and continue with a different approach."
}
