package engine

import (
	"context"
	"sync"

	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the snapshot stores; FSMs use it to emit
// lifecycle events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *snapshot.Event) error
}

// --- Frame FSM ---

type frameHookKey struct {
	from, to schema.FrameStatus
}

// FrameFSM manages frame lifecycle state transitions.
type FrameFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[frameHookKey][]TransitionHook
	after    map[frameHookKey][]TransitionHook
}

// NewFrameFSM creates a FrameFSM that emits events via the given appender.
func NewFrameFSM(appender EventAppender) *FrameFSM {
	return &FrameFSM{
		appender: appender,
		before:   make(map[frameHookKey][]TransitionHook),
		after:    make(map[frameHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a frame transition.
func (f *FrameFSM) OnBefore(from, to schema.FrameStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := frameHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a frame transition.
func (f *FrameFSM) OnAfter(from, to schema.FrameStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := frameHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a frame state transition.
// It emits the corresponding event via the appender.
// The caller is responsible for persisting the new status to the store.
func (f *FrameFSM) Transition(ctx context.Context, frameID string, from, to schema.FrameStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidFrameTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid frame transition: %s -> %s", from, to).
			WithDetails(map[string]any{"frame_id": frameID, "from": string(from), "to": string(to)})
	}

	key := frameHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := frameEventType(from, to)
	if eventType != "" {
		event := &snapshot.Event{
			FrameID: frameID,
			Type:    eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit frame event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidFrameTransition(from, to schema.FrameStatus) bool {
	allowed, ok := ValidFrameTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func frameEventType(from, to schema.FrameStatus) string {
	switch to {
	case schema.FrameRunning:
		if from == schema.FrameWaiting {
			return schema.EventFrameResumed
		}
		return schema.EventFrameStarted
	case schema.FrameWaiting:
		return schema.EventFramePaused
	case schema.FrameCompleted:
		return schema.EventFrameCompleted
	case schema.FrameFailed:
		return schema.EventFrameFailed
	case schema.FrameTerminated:
		return schema.EventFrameTerminated
	default:
		return ""
	}
}

// --- Session FSM ---

type sessionHookKey struct {
	from, to schema.SessionState
}

// SessionFSM manages session lifecycle state transitions. Sessions are
// in-memory only, so the FSM validates against the table without emitting
// store events.
type SessionFSM struct {
	mu     sync.Mutex
	before map[sessionHookKey][]TransitionHook
	after  map[sessionHookKey][]TransitionHook
}

// NewSessionFSM creates a SessionFSM.
func NewSessionFSM() *SessionFSM {
	return &SessionFSM{
		before: make(map[sessionHookKey][]TransitionHook),
		after:  make(map[sessionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a session transition.
func (f *SessionFSM) OnBefore(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a session transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a session state transition.
func (f *SessionFSM) Transition(sessionID string, from, to schema.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := sessionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidSessionTransition(from, to schema.SessionState) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// --- Transition tables ---

// ValidFrameTransitions defines the allowed state transitions for frames.
var ValidFrameTransitions = map[schema.FrameStatus][]schema.FrameStatus{
	schema.FrameRunning:    {schema.FrameWaiting, schema.FrameCompleted, schema.FrameFailed, schema.FrameTerminated},
	schema.FrameWaiting:    {schema.FrameRunning, schema.FrameFailed, schema.FrameTerminated},
	schema.FrameCompleted:  {},
	schema.FrameFailed:     {},
	schema.FrameTerminated: {},
}

// ValidSessionTransitions defines the allowed state transitions for sessions.
var ValidSessionTransitions = map[schema.SessionState][]schema.SessionState{
	schema.SessionCreated:    {schema.SessionRunning, schema.SessionTerminated},
	schema.SessionRunning:    {schema.SessionPaused, schema.SessionCompleted, schema.SessionError, schema.SessionTerminated},
	schema.SessionPaused:     {schema.SessionRunning, schema.SessionError, schema.SessionTerminated},
	schema.SessionCompleted:  {},
	schema.SessionError:      {},
	schema.SessionTerminated: {},
}
