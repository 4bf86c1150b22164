package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*snapshot.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *snapshot.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*snapshot.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*snapshot.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *snapshot.Event) error {
	return errors.New("store unavailable")
}

// --- FrameFSM ---

func TestFrameFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFrameFSM(app)
	ctx := context.Background()
	frameID := "fr-1"

	// running -> waiting
	require.NoError(t, fsm.Transition(ctx, frameID, schema.FrameRunning, schema.FrameWaiting))
	// waiting -> running (resume)
	require.NoError(t, fsm.Transition(ctx, frameID, schema.FrameWaiting, schema.FrameRunning))
	// running -> completed
	require.NoError(t, fsm.Transition(ctx, frameID, schema.FrameRunning, schema.FrameCompleted))

	events := app.Events()
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventFramePaused, events[0].Type)
	assert.Equal(t, schema.EventFrameResumed, events[1].Type)
	assert.Equal(t, schema.EventFrameCompleted, events[2].Type)
}

func TestFrameFSM_InvalidTransitions(t *testing.T) {
	fsm := NewFrameFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.FrameStatus
	}{
		{schema.FrameCompleted, schema.FrameRunning},
		{schema.FrameFailed, schema.FrameRunning},
		{schema.FrameTerminated, schema.FrameWaiting},
		{schema.FrameWaiting, schema.FrameCompleted},
	}

	for _, tc := range cases {
		err := fsm.Transition(ctx, "fr-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	}
}

func TestFrameFSM_TerminateFromWaiting(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFrameFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "fr-1", schema.FrameWaiting, schema.FrameTerminated))

	events := app.Events()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventFrameTerminated, events[0].Type)
}

func TestFrameFSM_AppenderFailure(t *testing.T) {
	fsm := NewFrameFSM(&failAppender{})

	err := fsm.Transition(context.Background(), "fr-1", schema.FrameRunning, schema.FrameWaiting)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}

func TestFrameFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFrameFSM(app)

	var order []string
	fsm.OnBefore(schema.FrameRunning, schema.FrameWaiting, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.FrameRunning, schema.FrameWaiting, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "fr-1", schema.FrameRunning, schema.FrameWaiting))
	assert.Equal(t, []string{"before:running->waiting", "after:running->waiting"}, order)
}

func TestFrameFSM_BeforeHookBlocksTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewFrameFSM(app)

	fsm.OnBefore(schema.FrameRunning, schema.FrameWaiting, func(_, _ string) error {
		return errors.New("not now")
	})

	err := fsm.Transition(context.Background(), "fr-1", schema.FrameRunning, schema.FrameWaiting)
	require.Error(t, err)
	assert.Empty(t, app.Events(), "no event should be emitted when a before hook rejects")
}

// --- SessionFSM ---

func TestSessionFSM_Lifecycle(t *testing.T) {
	fsm := NewSessionFSM()

	require.NoError(t, fsm.Transition("s-1", schema.SessionCreated, schema.SessionRunning))
	require.NoError(t, fsm.Transition("s-1", schema.SessionRunning, schema.SessionPaused))
	require.NoError(t, fsm.Transition("s-1", schema.SessionPaused, schema.SessionRunning))
	require.NoError(t, fsm.Transition("s-1", schema.SessionRunning, schema.SessionCompleted))
}

func TestSessionFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewSessionFSM()

	for _, terminal := range []schema.SessionState{
		schema.SessionCompleted, schema.SessionError, schema.SessionTerminated,
	} {
		err := fsm.Transition("s-1", terminal, schema.SessionRunning)
		require.Error(t, err, "%s should be terminal", terminal)
	}
}

func TestSessionFSM_TerminateFromAnywhere(t *testing.T) {
	fsm := NewSessionFSM()

	for _, from := range []schema.SessionState{
		schema.SessionCreated, schema.SessionRunning, schema.SessionPaused,
	} {
		require.NoError(t, fsm.Transition("s-1", from, schema.SessionTerminated),
			"terminate from %s", from)
	}
}
