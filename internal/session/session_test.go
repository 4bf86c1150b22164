package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/model"
	"github.com/rendis/blockflow/internal/skills"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, store snapshot.Store, producer model.Producer, invoker skills.Invoker) *Manager {
	t.Helper()
	exec, err := engine.New(engine.Config{
		Store:    store,
		Producer: producer,
		Invoker:  invoker,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return NewManager(exec, testLogger())
}

func collect(t *testing.T, events <-chan StepEvent) []*schema.StepResult {
	t.Helper()
	var results []*schema.StepResult
	for ev := range events {
		require.NoError(t, ev.Err)
		results = append(results, ev.Result)
	}
	return results
}

func sumSkill() skills.Func {
	return func(_ context.Context, args map[string]any) (any, error) {
		total := 0.0
		for _, v := range args {
			if n, ok := v.(float64); ok {
				total += n
			}
		}
		return total, nil
	}
}

// Scenario: a three-block program runs to completion, one result per block,
// in order, with the pool threading values across blocks.
func TestSession_RunsToCompletion(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockPrompt, Content: "greet ${{ name }}", Output: "greeting"},
		{Category: schema.BlockTool, Output: "y",
			Params: schema.BlockParams{Skill: "sum", Args: `{"a": ${{ x }}, "b": 1}`}},
		{Category: schema.BlockAssign, Content: "y * 2", Output: "z"},
	}}

	reg := skills.NewRegistry()
	reg.Register("sum", sumSkill())

	mgr := newTestManager(t, snapshot.NewMemoryStore(), model.NewScriptedProducer(), reg)
	s := mgr.Create()
	assert.Equal(t, schema.SessionCreated, s.State())

	events, err := s.Start(context.Background(), program, map[string]any{"name": "ada", "x": 4})
	require.NoError(t, err)

	results := collect(t, events)
	require.Len(t, results, 3)
	assert.Equal(t, []schema.Stage{schema.StageLLM, schema.StageSkill, schema.StageAssign},
		[]schema.Stage{results[0].Stage, results[1].Stage, results[2].Stage})
	for i, r := range results {
		assert.Equal(t, i, r.Block)
		assert.Equal(t, schema.StepCompleted, r.Status)
	}

	assert.Equal(t, schema.SessionCompleted, s.State())

	z, ok := s.Frame().Context.Var("z")
	require.True(t, ok)
	assert.Equal(t, 10.0, z.Value)
}

func TestSession_StartValidatesProgram(t *testing.T) {
	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, nil)
	s := mgr.Create()

	// A tool block without a skill never leaves the gate.
	_, err := s.Start(context.Background(), &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockTool, Output: "v"},
	}}, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, schema.SessionCreated, s.State())
}

func TestSession_StartTwiceRejected(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockAssign, Content: "1", Output: "x"},
	}}

	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, nil)
	s := mgr.Create()

	events, err := s.Start(context.Background(), program, nil)
	require.NoError(t, err)
	collect(t, events)

	_, err = s.Start(context.Background(), program, nil)
	require.Error(t, err)
}

// Scenario: a tool interrupt pauses the session; resuming with answers
// continues from the breakpoint without re-running completed blocks.
func TestSession_ToolInterruptPauseAndResume(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockAssign, Content: `"ready"`, Output: "prep"},
		{Category: schema.BlockPrompt, Content: "ask the db", Output: "answer"},
	}}

	producer := model.NewScriptedProducer(
		model.ScriptEntry{Words: []string{"rows:", "17"}, Partial: 1,
			Interrupt: &skills.ToolInterrupt{Skill: "db", Wanted: []string{"password"}}},
		model.ScriptEntry{Words: []string{"rows:", "17"}},
	)

	mgr := newTestManager(t, snapshot.NewMemoryStore(), producer, nil)
	s := mgr.Create()
	ctx := context.Background()

	events, err := s.Start(ctx, program, nil)
	require.NoError(t, err)

	var handle *schema.ResumeHandle
	var seen []*schema.StepResult
	for ev := range events {
		require.NoError(t, ev.Err)
		seen = append(seen, ev.Result)
		if ev.Result.Interrupted() {
			handle = ev.Result.Interrupt.Handle
		}
	}
	require.Len(t, seen, 2, "assign result plus interrupted prompt result")
	require.NotNil(t, handle)
	assert.Equal(t, schema.ToolInterrupt, handle.InterruptType)
	assert.Equal(t, schema.SessionPaused, s.State())

	events, err = s.Resume(ctx, handle, &schema.InterruptSpec{
		Answers: map[string]any{"password": "hunter2"},
	})
	require.NoError(t, err)
	results := collect(t, events)
	require.Len(t, results, 1, "only the interrupted block runs again")
	assert.Equal(t, 1, results[0].Block)
	assert.Equal(t, "rows: 17", results[0].Answer)

	assert.Equal(t, schema.SessionCompleted, s.State())

	prep, ok := s.Frame().Context.Var("prep")
	require.True(t, ok)
	assert.Equal(t, "ready", prep.Value, "block before the pause was not re-run")
}

// Scenario: a user interrupt while paused on a tool interrupt supersedes
// the tool handle.
func TestSession_InterruptWhilePausedSupersedes(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockTool, Output: "v",
			Params: schema.BlockParams{Skill: "ask", Args: `{}`}},
	}}

	calls := 0
	reg := skills.NewRegistry()
	reg.Register("ask", func(_ context.Context, args map[string]any) (any, error) {
		calls++
		if calls == 1 {
			return nil, &skills.ToolInterrupt{Skill: "ask", Args: args, Wanted: []string{"choice"}}
		}
		return "picked", nil
	})

	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, reg)
	s := mgr.Create()
	ctx := context.Background()

	events, err := s.Start(ctx, program, nil)
	require.NoError(t, err)

	var toolHandle *schema.ResumeHandle
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result.Interrupted() {
			toolHandle = ev.Result.Interrupt.Handle
		}
	}
	require.NotNil(t, toolHandle)
	assert.Equal(t, schema.SessionPaused, s.State())

	userHandle, err := s.Interrupt(ctx)
	require.NoError(t, err)
	require.NotNil(t, userHandle, "superseding returns the replacement handle")
	assert.Equal(t, schema.UserInterrupt, userHandle.InterruptType)
	assert.True(t, userHandle.RestartBlock)

	// The tool handle is dead.
	_, err = s.Resume(ctx, toolHandle, &schema.InterruptSpec{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeStaleHandle, fe.Code)

	events, err = s.Resume(ctx, userHandle, &schema.InterruptSpec{Message: "use the default"})
	require.NoError(t, err)
	results := collect(t, events)
	require.Len(t, results, 1)
	assert.Equal(t, schema.StepCompleted, results[0].Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, schema.SessionCompleted, s.State())
}

func TestSession_InterruptWhileRunningPausesAtNextBlock(t *testing.T) {
	// Ten assign blocks; the interrupt lands between two of them.
	var blocks []schema.Block
	for i := 0; i < 10; i++ {
		blocks = append(blocks, schema.Block{
			Category: schema.BlockAssign, Content: "n + 1", Output: "n",
		})
	}
	program := &schema.Program{Blocks: blocks}

	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, nil)
	s := mgr.Create()
	ctx := context.Background()

	events, err := s.Start(ctx, program, map[string]any{"n": 0.0})
	require.NoError(t, err)

	var handle *schema.ResumeHandle
	var completed int
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result.Interrupted() {
			handle = ev.Result.Interrupt.Handle
			break
		}
		completed++
		if completed == 3 {
			// The stream is unbuffered: this lands before the next block.
			_, ierr := s.Interrupt(ctx)
			require.NoError(t, ierr)
		}
	}
	require.NotNil(t, handle)
	// The signal races with at most one in-flight block, so the pause lands
	// before the fourth or the fifth block.
	assert.GreaterOrEqual(t, handle.CurrentBlock, 3)
	assert.LessOrEqual(t, handle.CurrentBlock, 4)
	assert.Equal(t, schema.SessionPaused, s.State())

	events, err = s.Resume(ctx, handle, &schema.InterruptSpec{})
	require.NoError(t, err)
	collect(t, events)
	assert.Equal(t, schema.SessionCompleted, s.State())

	n, ok := s.Frame().Context.Var("n")
	require.True(t, ok)
	assert.Equal(t, 10.0, n.Value, "every block ran exactly once")
}

func TestSession_TerminateWhilePaused(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockPrompt, Content: "q", Output: "a"},
	}}

	producer := model.NewScriptedProducer(
		model.ScriptEntry{Words: []string{"x", "y"}, Partial: 1,
			Interrupt: &skills.ToolInterrupt{Skill: "s", Wanted: []string{"k"}}},
	)

	mgr := newTestManager(t, snapshot.NewMemoryStore(), producer, nil)
	s := mgr.Create()
	ctx := context.Background()

	events, err := s.Start(ctx, program, nil)
	require.NoError(t, err)
	var handle *schema.ResumeHandle
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result.Interrupted() {
			handle = ev.Result.Interrupt.Handle
		}
	}
	require.NotNil(t, handle)

	require.NoError(t, s.Terminate(ctx))
	assert.Equal(t, schema.SessionTerminated, s.State())
	assert.Equal(t, schema.FrameTerminated, s.Frame().Status)

	// The handle died with the session.
	_, err = s.Resume(ctx, handle, &schema.InterruptSpec{})
	require.Error(t, err)
}

func TestSession_TerminateBeforeStart(t *testing.T) {
	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, nil)
	s := mgr.Create()

	require.NoError(t, s.Terminate(context.Background()))
	assert.Equal(t, schema.SessionTerminated, s.State())

	_, err := s.Start(context.Background(), &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockAssign, Content: "1", Output: "x"},
	}}, nil)
	require.Error(t, err)
}

func TestSession_ErrorState(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockTool, Output: "v",
			Params: schema.BlockParams{Skill: "missing", Args: `{}`}},
	}}

	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, skills.NewRegistry())
	s := mgr.Create()

	events, err := s.Start(context.Background(), program, nil)
	require.NoError(t, err)

	var lastErr error
	for ev := range events {
		if ev.Err != nil {
			lastErr = ev.Err
		}
	}
	require.Error(t, lastErr)
	assert.Equal(t, schema.SessionError, s.State())
}

// Scenario: pause in one process, resume in another. The second manager
// shares only the store with the first.
func TestManager_CrossProcessResume(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockPrompt, Content: "fetch it", Output: "a"},
		{Category: schema.BlockAssign, Content: `a + " (done)"`, Output: "b"},
	}}

	store := snapshot.NewMemoryStore()

	first := newTestManager(t, store, model.NewScriptedProducer(
		model.ScriptEntry{Words: []string{"v1", "v2"}, Partial: 1,
			Interrupt: &skills.ToolInterrupt{Skill: "s", Wanted: []string{"k"}}},
	), nil)
	s1 := first.Create()
	ctx := context.Background()

	events, err := s1.Start(ctx, program, nil)
	require.NoError(t, err)
	var handle *schema.ResumeHandle
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result.Interrupted() {
			handle = ev.Result.Interrupt.Handle
		}
	}
	require.NotNil(t, handle)

	encoded, err := handle.Encode()
	require.NoError(t, err)

	second := newTestManager(t, store, model.NewScriptedProducer(
		model.ScriptEntry{Words: []string{"v1", "v2"}},
	), nil)

	decoded, err := schema.DecodeResumeHandle(encoded)
	require.NoError(t, err)

	s2, events, err := second.Resume(ctx, decoded, &schema.InterruptSpec{
		Answers: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	results := collect(t, events)
	require.Len(t, results, 2)
	assert.Equal(t, "v1 v2", results[0].Answer)
	assert.Equal(t, schema.SessionCompleted, s2.State())

	b, ok := s2.Frame().Context.Var("b")
	require.True(t, ok)
	assert.Equal(t, "v1 v2 (done)", b.Value)
}

func TestManager_Registry(t *testing.T) {
	mgr := newTestManager(t, snapshot.NewMemoryStore(), nil, nil)

	s := mgr.Create()
	got, err := mgr.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.Len(t, mgr.List(), 1)

	mgr.Remove(s.ID())
	_, err = mgr.Get(s.ID())
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestSession_HandleAccessorWhilePaused(t *testing.T) {
	program := &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockPrompt, Content: "q", Output: "a"},
	}}

	producer := model.NewScriptedProducer(
		model.ScriptEntry{Words: []string{"x", "y"}, Partial: 1,
			Interrupt: &skills.ToolInterrupt{Skill: "s", Wanted: []string{"k"}}},
		model.ScriptEntry{Words: []string{"x", "y"}},
	)

	mgr := newTestManager(t, snapshot.NewMemoryStore(), producer, nil)
	s := mgr.Create()
	ctx := context.Background()

	_, ok := s.Handle()
	assert.False(t, ok, "no handle before any pause")

	events, err := s.Start(ctx, program, nil)
	require.NoError(t, err)
	var streamed *schema.ResumeHandle
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result.Interrupted() {
			streamed = ev.Result.Interrupt.Handle
		}
	}

	// Wait for the run loop to finish flipping the state.
	require.Eventually(t, func() bool {
		return s.State() == schema.SessionPaused
	}, time.Second, 5*time.Millisecond)

	accessor, ok := s.Handle()
	require.True(t, ok)
	assert.Equal(t, streamed.ResumeToken, accessor.ResumeToken)
	assert.Equal(t, streamed.SnapshotID, accessor.SnapshotID)
}
