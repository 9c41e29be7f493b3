package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/rewind/pkg/stuck"
	"github.com/ternarybob/rewind/pkg/task"
)

// fakeRollbacker scripts the rollback outcome and records invocations.
type fakeRollbacker struct {
	ok    bool
	calls int
}

func (f *fakeRollbacker) RollbackToLatest(*task.State) bool {
	f.calls++
	return f.ok
}

func stuckResult(pattern stuck.Pattern, details string) stuck.Result {
	return stuck.Result{IsStuck: true, Pattern: pattern, Details: details}
}

func stateWithStrategy(strategy task.Strategy) *task.State {
	state := task.New("task-1", "p", 10)
	state.StuckDetection.Strategy = strategy
	return state
}

func TestEngine_RetryVariation(t *testing.T) {
	engine := NewEngine(nil)
	state := stateWithStrategy(task.StrategyRetryVariation)

	result := engine.Apply(state, stuckResult(stuck.PatternSameOutput, "Same output repeated 3 times"))

	assert.Equal(t, ActionContinue, result.Action)
	assert.Contains(t, result.PromptSuffix, "Same output repeated 3 times")
	assert.Contains(t, result.PromptSuffix, "different angle")
}

func TestEngine_Simplify(t *testing.T) {
	engine := NewEngine(nil)
	state := stateWithStrategy(task.StrategySimplify)

	result := engine.Apply(state, stuckResult(stuck.PatternNoProgress, "no motion"))

	assert.Equal(t, ActionContinue, result.Action)
	assert.Contains(t, result.PromptSuffix, "reduce scope")
	assert.Contains(t, result.PromptSuffix, "no motion")
}

func TestEngine_Rollback_Success(t *testing.T) {
	rb := &fakeRollbacker{ok: true}
	engine := NewEngine(rb)
	state := stateWithStrategy(task.StrategyRollback)

	result := engine.Apply(state, stuckResult(stuck.PatternRepeatingError, "same error"))

	assert.Equal(t, ActionContinue, result.Action)
	assert.Equal(t, 1, rb.calls)
	assert.Contains(t, result.PromptSuffix, "rolled back to an earlier checkpoint")
}

func TestEngine_Rollback_NoCheckpoint(t *testing.T) {
	rb := &fakeRollbacker{ok: false}
	engine := NewEngine(rb)
	state := stateWithStrategy(task.StrategyRollback)

	result := engine.Apply(state, stuckResult(stuck.PatternSameOutput, "repeated"))

	assert.Equal(t, ActionContinue, result.Action, "no checkpoint degrades to continue, not abort")
	assert.Contains(t, result.PromptSuffix, "No checkpoint was available")
}

func TestEngine_Rollback_NilRollbacker(t *testing.T) {
	engine := NewEngine(nil)
	state := stateWithStrategy(task.StrategyRollback)

	result := engine.Apply(state, stuckResult(stuck.PatternSameOutput, "repeated"))

	assert.Equal(t, ActionContinue, result.Action)
	assert.Contains(t, result.PromptSuffix, "No checkpoint was available")
}

func TestEngine_Abort(t *testing.T) {
	engine := NewEngine(nil)
	state := stateWithStrategy(task.StrategyAbort)

	result := engine.Apply(state, stuckResult(stuck.PatternSameOutput, "Same output repeated 3 times"))

	assert.Equal(t, ActionAbort, result.Action)
	assert.Equal(t, "Same output repeated 3 times", result.Reason,
		"the abort reason carries the detection details")
	assert.Empty(t, result.PromptSuffix)
}

func TestEngine_UnknownStrategyContinues(t *testing.T) {
	engine := NewEngine(nil)
	state := stateWithStrategy(task.Strategy("made-up"))

	result := engine.Apply(state, stuckResult(stuck.PatternNoProgress, "stalled"))

	assert.Equal(t, ActionContinue, result.Action, "unknown strategies degrade rather than halt")
	assert.NotEmpty(t, result.PromptSuffix)
}

func TestEngine_EveryStrategyPatternPairResolves(t *testing.T) {
	strategies := []task.Strategy{
		task.StrategyRetryVariation,
		task.StrategySimplify,
		task.StrategyRollback,
		task.StrategyAbort,
	}
	patterns := []stuck.Pattern{
		stuck.PatternSameOutput,
		stuck.PatternNoProgress,
		stuck.PatternRepeatingError,
	}

	for _, strategy := range strategies {
		for _, pattern := range patterns {
			engine := NewEngine(&fakeRollbacker{ok: true})
			state := stateWithStrategy(strategy)

			result := engine.Apply(state, stuckResult(pattern, "details"))

			require.Contains(t, []Action{ActionContinue, ActionAbort}, result.Action,
				"strategy %s with pattern %s must resolve to a definite action", strategy, pattern)
			if result.Action == ActionContinue {
				assert.NotEmpty(t, result.PromptSuffix, "continue always carries guidance")
			} else {
				assert.NotEmpty(t, result.Reason, "abort always carries a reason")
			}
		}
	}
}
