package loop

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/rewind/pkg/snapshot"
	"github.com/ternarybob/rewind/pkg/task"
)

// memStore is an in-memory task.Store.
type memStore struct {
	state       *task.State
	saves       int
	checkpoints map[string]task.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{checkpoints: make(map[string]task.Checkpoint)}
}

func (m *memStore) Load() (*task.State, error) {
	if m.state == nil {
		return nil, fmt.Errorf("no state")
	}
	return m.state, nil
}

func (m *memStore) Save(state *task.State) error {
	m.state = state
	m.saves++
	return nil
}

func (m *memStore) SaveCheckpoint(cp task.Checkpoint) error {
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *memStore) DeleteCheckpoint(id string) error {
	delete(m.checkpoints, id)
	return nil
}

// noopSnaps never captures anything.
type noopSnaps struct{}

func (noopSnaps) Take(string) (snapshot.Ref, error)    { return snapshot.Clean, nil }
func (noopSnaps) Restore(snapshot.Ref) bool            { return true }
func (noopSnaps) Drop(snapshot.Ref) bool               { return true }
func (noopSnaps) ChangedPaths() ([]string, []string, error) {
	return nil, nil, nil
}

// scriptedAgent returns one scripted outcome per invocation, recording the
// prompts it received.
type scriptedAgent struct {
	outcomes []*Outcome
	errs     []error
	prompts  []string
	calls    int
}

func (a *scriptedAgent) RunIteration(_ context.Context, prompt string) (*Outcome, error) {
	a.prompts = append(a.prompts, prompt)
	i := a.calls
	a.calls++
	if i >= len(a.outcomes) {
		i = len(a.outcomes) - 1
	}
	var err error
	if i < len(a.errs) {
		err = a.errs[i]
	}
	if err != nil {
		return nil, err
	}
	return a.outcomes[i], nil
}

func passing() *Outcome {
	return &Outcome{
		Output:   "done",
		Summary:  "done",
		Criteria: []task.CriterionResult{{Name: "build", Passed: true, Score: 1}},
	}
}

func failing(summary string) *Outcome {
	return &Outcome{
		Output:   summary,
		Summary:  summary,
		Criteria: []task.CriterionResult{{Name: "build", Passed: false}},
	}
}

func newRunnerState(maxIterations int) *task.State {
	state := task.New("task-1", "make it work", maxIterations)
	state.StuckDetection.Enabled = false
	return state
}

func TestRunner_CompletesWhenCriteriaMet(t *testing.T) {
	store := newMemStore()
	agent := &scriptedAgent{outcomes: []*Outcome{
		failing("attempt one"),
		failing("attempt two"),
		passing(),
	}}

	state := newRunnerState(10)
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	require.NoError(t, runner.Run(context.Background()))

	assert.Equal(t, task.StatusCompleted, state.Task.Status)
	assert.Equal(t, 3, state.Iteration.Current)
	assert.Len(t, state.Iteration.History, 3)
	assert.Equal(t, 3, agent.calls)
}

func TestRunner_StopsAtIterationCap(t *testing.T) {
	store := newMemStore()
	agent := &scriptedAgent{outcomes: []*Outcome{failing("never done")}}

	state := newRunnerState(3)
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	err := runner.Run(context.Background())
	assert.Error(t, err, "hitting the cap is reported")
	assert.Equal(t, task.StatusFailed, state.Task.Status)
	assert.Equal(t, 3, state.Iteration.Current)
}

func TestRunner_RefusesNonRunningTask(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(3)
	state.Task.Status = task.StatusCompleted

	runner := NewRunner(state, store, &scriptedAgent{outcomes: []*Outcome{passing()}},
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	assert.Error(t, runner.Run(context.Background()))
}

func TestRunner_ContextCancellation(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(state, store, &scriptedAgent{outcomes: []*Outcome{failing("x")}},
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, task.StatusStopped, state.Task.Status)
}

func TestRunner_BudgetStopsLoop(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(100)
	state.Budget.MaxTokens = 50

	agent := &scriptedAgent{outcomes: []*Outcome{{
		Output:   "working",
		Summary:  "working",
		Tokens:   30,
		Criteria: []task.CriterionResult{{Name: "build", Passed: false}},
	}}}

	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, task.StatusStopped, state.Task.Status)
	assert.Equal(t, 2, state.Iteration.Current, "the budget check fires at the iteration boundary")
	assert.GreaterOrEqual(t, state.Metrics.TotalTokens, 50)
}

func TestRunner_AutoCheckpointCadence(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(4)
	state.Checkpoints.Auto = task.AutoCheckpoint{Enabled: true, Interval: 2, Keep: 10}

	agent := &scriptedAgent{outcomes: []*Outcome{failing("grinding")}}
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	_ = runner.Run(context.Background())

	require.Len(t, state.Checkpoints.Items, 2, "interval 2 over 4 iterations yields 2 checkpoints")
	assert.Equal(t, 2, state.Checkpoints.Items[0].Iteration)
	assert.Equal(t, 4, state.Checkpoints.Items[1].Iteration)
	assert.Equal(t, task.CheckpointAuto, state.Checkpoints.Items[0].Type)
}

func TestRunner_AbortStrategyTerminates(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(20)
	state.StuckDetection = task.StuckDetection{
		Enabled:             true,
		SameOutputThreshold: 3,
		NoProgressThreshold: 3,
		Strategy:            task.StrategyAbort,
	}

	agent := &scriptedAgent{outcomes: []*Outcome{failing("exact same output")}}
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
	assert.Contains(t, err.Error(), "Same output repeated 3 times")
	assert.Equal(t, task.StatusFailed, state.Task.Status)
	assert.Equal(t, 3, agent.calls, "the loop stops as soon as the pattern fires")
}

func TestRunner_StuckAmendsNextPrompt(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(20)
	state.StuckDetection = task.StuckDetection{
		Enabled:             true,
		SameOutputThreshold: 3,
		NoProgressThreshold: 99,
		Strategy:            task.StrategyRetryVariation,
	}

	agent := &scriptedAgent{outcomes: []*Outcome{
		failing("spinning"),
		failing("spinning"),
		failing("spinning"),
		passing(),
	}}
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	require.NoError(t, runner.Run(context.Background()))

	require.Len(t, agent.prompts, 4)
	assert.Equal(t, "make it work", agent.prompts[0], "first prompt is the bare task prompt")
	assert.Contains(t, agent.prompts[3], "make it work")
	assert.Contains(t, agent.prompts[3], "Do NOT repeat the previous approach",
		"the prompt after a stall carries the recovery guidance")
	assert.Equal(t, task.StatusCompleted, state.Task.Status)
}

func TestRunner_AgentErrorRecorded(t *testing.T) {
	store := newMemStore()
	state := newRunnerState(2)

	agent := &scriptedAgent{
		outcomes: []*Outcome{nil, nil},
		errs:     []error{fmt.Errorf("compiler exploded"), fmt.Errorf("compiler exploded")},
	}
	runner := NewRunner(state, store, agent,
		WithSnapshots(noopSnaps{}), WithCooldown(0))

	_ = runner.Run(context.Background())

	require.Len(t, state.Iteration.History, 2)
	assert.Equal(t, "error", state.Iteration.History[0].Outcome)
	assert.Equal(t, "compiler exploded", state.Iteration.History[0].Error,
		"agent failures land in history instead of killing the loop")
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final", lastLine("first\nsecond\nfinal"))
	assert.Equal(t, "final", lastLine("first\nfinal\n\n  "))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine("  \n \n"))
}
