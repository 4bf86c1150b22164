package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/blockflow/internal/runctx"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// Frame is one running instance of a block program: the block pointer, the
// owned Context, the lifecycle status and the pause metadata. All fields are
// mutated from the owning session flow only.
type Frame struct {
	ID         string
	SessionID  string
	Program    *schema.Program
	Context    *runctx.Context
	Pointer    int
	Status     schema.FrameStatus
	WaitReason schema.WaitReason

	// ActiveToken is the resume token of the one live handle, "" when no
	// pause is outstanding. Consuming or superseding a handle rotates it.
	ActiveToken string

	// Interrupt holds the serialized continuation of the current pause.
	Interrupt *snapshot.InterruptInfo

	// pending carries the operator input of an in-flight resume until the
	// interrupted block consumes it.
	pending *schema.InterruptSpec

	CreatedAt time.Time

	// endedAt is stamped on the first save in a terminal status and reused
	// on later saves so the recorded end time never drifts.
	endedAt *time.Time
}

// NewFrame creates a RUNNING frame over a program with a fresh Context.
func NewFrame(sessionID string, program *schema.Program, initial map[string]any) *Frame {
	return &Frame{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Program:    program,
		Context:    runctx.New(initial),
		Status:     schema.FrameRunning,
		WaitReason: schema.WaitNone,
		CreatedAt:  time.Now().UTC(),
	}
}

// Record converts the frame to its persisted form.
func (f *Frame) Record() *snapshot.FrameRecord {
	rec := &snapshot.FrameRecord{
		ID:          f.ID,
		SessionID:   f.SessionID,
		Program:     f.Program,
		Pointer:     f.Pointer,
		Status:      f.Status,
		WaitReason:  f.WaitReason,
		ActiveToken: f.ActiveToken,
		Interrupt:   f.Interrupt,
		CreatedAt:   f.CreatedAt,
	}
	if f.Status.Terminal() {
		if f.endedAt == nil {
			now := time.Now().UTC()
			f.endedAt = &now
		}
		rec.EndedAt = f.endedAt
	}
	return rec
}

// FromRecord rebuilds a frame from its persisted form plus a snapshot of
// its Context. Used when resuming in a process that never held the frame.
func FromRecord(rec *snapshot.FrameRecord, snap *snapshot.Snapshot) (*Frame, error) {
	var state runctx.State
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode snapshot state").WithCause(err)
	}
	return &Frame{
		ID:          rec.ID,
		SessionID:   rec.SessionID,
		Program:     rec.Program,
		Context:     runctx.FromState(&state),
		Pointer:     snap.Pointer,
		Status:      rec.Status,
		WaitReason:  rec.WaitReason,
		ActiveToken: rec.ActiveToken,
		Interrupt:   rec.Interrupt,
		CreatedAt:   rec.CreatedAt,
		endedAt:     rec.EndedAt,
	}, nil
}

// Exhausted reports whether the pointer has moved past the last block.
func (f *Frame) Exhausted() bool {
	return f.Pointer >= f.Program.Len()
}

// SetPending attaches the operator input for the next resumed block.
func (f *Frame) SetPending(spec *schema.InterruptSpec) {
	f.pending = spec
}

// TakePending consumes the attached operator input, if any.
func (f *Frame) TakePending() *schema.InterruptSpec {
	p := f.pending
	f.pending = nil
	return p
}
