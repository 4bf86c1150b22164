// Package session implements the lifecycle layer above the step executor:
// one Session owns one frame at a time, drives it on a single flow and
// exposes interrupt, resume and terminate operations to other flows through
// the bridge.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/blockflow/internal/bridge"
	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// StepEvent is one unit of the step stream: a StepResult or a terminal
// error, never both.
type StepEvent struct {
	Result *schema.StepResult
	Err    error
}

// Session binds a frame, a bridge and the session state machine. All
// stepping happens on the flow that consumes the step stream; Interrupt and
// Terminate are safe from any flow.
type Session struct {
	id     string
	exec   *engine.Executor
	bridge *bridge.Bridge
	fsm    *engine.SessionFSM
	logger *slog.Logger

	mu    sync.Mutex
	state schema.SessionState
	frame *engine.Frame

	// stepping enforces the single-writer rule: one step stream at a time.
	stepping atomic.Bool
}

func newSession(exec *engine.Executor, logger *slog.Logger) *Session {
	s := &Session{
		id:     uuid.New().String(),
		exec:   exec,
		bridge: bridge.New(),
		fsm:    engine.NewSessionFSM(),
		logger: logger,
		state:  schema.SessionCreated,
	}
	_ = s.bridge.Bind(s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() schema.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bridge returns the session's interrupt bridge for external signalers.
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }

// Frame returns the current frame, nil before Start.
func (s *Session) Frame() *engine.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Handle returns the live resume handle when the session is paused.
func (s *Session) Handle() (*schema.ResumeHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != schema.SessionPaused || s.frame == nil || s.frame.ActiveToken == "" {
		return nil, false
	}
	fr := s.frame
	itype := schema.ToolInterrupt
	if fr.WaitReason == schema.WaitUserInput {
		itype = schema.UserInterrupt
	}
	var snapshotID string
	if fr.Interrupt != nil {
		// SnapshotID travels in the handle minted at pause time; recover it
		// from the store when asked late.
		snaps, err := s.exec.Store().ListSnapshots(context.Background(), fr.ID)
		if err == nil && len(snaps) > 0 {
			snapshotID = snaps[len(snaps)-1].ID
		}
	}
	return &schema.ResumeHandle{
		FrameID:       fr.ID,
		SnapshotID:    snapshotID,
		ResumeToken:   fr.ActiveToken,
		InterruptType: itype,
		CurrentBlock:  fr.Pointer,
		RestartBlock:  itype == schema.UserInterrupt,
	}, true
}

// Start creates the frame for a program and begins streaming step results.
// The returned channel is unbuffered: each StepResult is observed by the
// consumer before the next block starts. The channel closes when the frame
// pauses, completes, fails or terminates.
func (s *Session) Start(ctx context.Context, program *schema.Program, initial map[string]any) (<-chan StepEvent, error) {
	if err := schema.ValidateProgram(program).Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != schema.SessionCreated {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s already started (state %s)", s.id, s.state)
	}
	if err := s.fsm.Transition(s.id, s.state, schema.SessionRunning); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = schema.SessionRunning
	fr := engine.NewFrame(s.id, program, initial)
	s.frame = fr
	s.mu.Unlock()

	ctx = logging.WithSessionID(ctx, s.id)

	if err := s.exec.Store().SaveFrame(ctx, fr.Record()); err != nil {
		s.toState(schema.SessionError)
		return nil, err
	}
	if err := s.exec.Store().AppendEvent(ctx, &snapshot.Event{
		FrameID: fr.ID,
		Type:    schema.EventFrameStarted,
	}); err != nil {
		s.logger.Warn("record frame start", "frame_id", fr.ID, "error", err)
	}

	return s.stream(ctx, fr)
}

// Resume consumes a one-time handle and continues streaming from the
// breakpoint (tool interrupt) or the restarted block (user interrupt).
// Works for handles minted in this process or another one.
func (s *Session) Resume(ctx context.Context, handle *schema.ResumeHandle, spec *schema.InterruptSpec) (<-chan StepEvent, error) {
	ctx = logging.WithSessionID(ctx, s.id)

	fr, err := s.exec.PrepareResume(ctx, handle, spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	from := s.state
	// A fresh-process session adopts the frame from CREATED; an in-process
	// one comes back from PAUSED.
	if err := s.fsm.Transition(s.id, from, schema.SessionRunning); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = schema.SessionRunning
	s.frame = fr
	s.mu.Unlock()

	return s.stream(ctx, fr)
}

// Interrupt requests a user interrupt. While the session is RUNNING the
// request is queued on the bridge and honored at the next suspension point.
// While it is PAUSED on a tool interrupt, the pause is superseded and the
// replacement handle is returned immediately; the old handle goes stale.
func (s *Session) Interrupt(ctx context.Context) (*schema.ResumeHandle, error) {
	s.mu.Lock()
	state := s.state
	fr := s.frame
	s.mu.Unlock()

	switch state {
	case schema.SessionRunning:
		s.bridge.SignalInterrupt()
		return nil, nil
	case schema.SessionPaused:
		if fr == nil || fr.WaitReason != schema.WaitToolIntervention {
			return nil, schema.NewErrorf(schema.ErrCodeInterruptFailed,
				"session %s is already paused for user input", s.id)
		}
		return s.exec.Supersede(logging.WithSessionID(ctx, s.id), fr, s.bridge)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterruptFailed,
			"session %s is %s, nothing to interrupt", s.id, state)
	}
}

// Keystrokes buffers free-form operator text typed before an interrupt is
// acknowledged.
func (s *Session) Keystrokes(text string) {
	s.bridge.AppendKeystrokes(text)
}

// Terminate moves the session to TERMINATED. A running session terminates
// cooperatively at the next suspension point; a paused or created one
// terminates immediately.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	fr := s.frame
	s.mu.Unlock()

	switch state {
	case schema.SessionRunning:
		s.bridge.SignalTerminate()
		return nil
	case schema.SessionCreated, schema.SessionPaused:
		if fr != nil {
			if err := s.exec.Terminate(logging.WithSessionID(ctx, s.id), fr); err != nil && err != engine.ErrTerminated {
				return err
			}
		}
		return s.toState(schema.SessionTerminated)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s is already %s", s.id, state)
	}
}

// stream launches the single-writer stepping loop.
func (s *Session) stream(ctx context.Context, fr *engine.Frame) (<-chan StepEvent, error) {
	if !s.stepping.CompareAndSwap(false, true) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"session %s is already stepping", s.id)
	}

	out := make(chan StepEvent)
	go s.run(ctx, fr, out)
	return out, nil
}

func (s *Session) run(ctx context.Context, fr *engine.Frame, out chan<- StepEvent) {
	defer close(out)
	defer s.stepping.Store(false)

	for {
		if fr.Exhausted() || fr.Status.Terminal() {
			s.finalize(fr)
			return
		}

		result, err := s.exec.ExecuteNext(ctx, fr, s.bridge)
		if err != nil {
			if err == engine.ErrTerminated {
				_ = s.toState(schema.SessionTerminated)
				return
			}
			_ = s.toState(schema.SessionError)
			select {
			case out <- StepEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		// Pause state must be visible before the consumer reacts to the
		// interrupted result, or an immediate Resume would race the state.
		if result.Interrupted() {
			_ = s.toState(schema.SessionPaused)
		}

		select {
		case out <- StepEvent{Result: result}:
		case <-ctx.Done():
			_ = s.toState(schema.SessionError)
			return
		}

		if result.Interrupted() {
			return
		}
	}
}

func (s *Session) finalize(fr *engine.Frame) {
	switch fr.Status {
	case schema.FrameCompleted:
		_ = s.toState(schema.SessionCompleted)
	case schema.FrameFailed:
		_ = s.toState(schema.SessionError)
	case schema.FrameTerminated:
		_ = s.toState(schema.SessionTerminated)
	default:
		_ = s.toState(schema.SessionCompleted)
	}
}

func (s *Session) toState(to schema.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if err := s.fsm.Transition(s.id, s.state, to); err != nil {
		s.logger.Warn("session transition rejected",
			"session_id", s.id, "from", string(s.state), "to", string(to), "error", err)
		return err
	}
	s.state = to
	return nil
}
