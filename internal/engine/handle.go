package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/blockflow/internal/bridge"
	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// pendingSkill carries the skill call that was in flight when a tool
// interrupt fired.
type pendingSkill struct {
	name   string
	args   map[string]any
	wanted []string
}

// pause suspends the frame: captures a snapshot, mints the one live resume
// handle, persists the waiting frame record and returns the interrupted
// StepResult. Exactly one snapshot is written per pause.
func (e *Executor) pause(ctx context.Context, fr *Frame, br *bridge.Bridge, itype schema.InterruptType, stage schema.Stage, partial string, sk *pendingSkill, started bool) (*schema.StepResult, error) {
	now := time.Now().UTC()

	info := &snapshot.InterruptInfo{
		Type:    itype,
		Block:   fr.Pointer,
		Started: started,
		Partial: partial,
		At:      now,
	}
	if sk != nil {
		info.SkillName = sk.name
		info.SkillArgs = sk.args
		info.Wanted = sk.wanted
	}
	if itype == schema.UserInterrupt {
		if br != nil {
			info.Keystrokes = br.DrainInput()
			br.Acknowledge()
		}
		// The flag must not survive into the snapshot, or the resumed
		// frame would immediately pause again.
		fr.Context.ClearInterrupt()
	}

	state, err := fr.Context.Capture()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode snapshot state").WithCause(err)
	}

	snap := &snapshot.Snapshot{
		ID:         uuid.New().String(),
		FrameID:    fr.ID,
		Pointer:    fr.Pointer,
		State:      raw,
		CapturedAt: now,
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	e.emit(ctx, fr, fr.Pointer, schema.EventSnapshotCaptured, map[string]any{"snapshot_id": snap.ID})

	if err := e.fsm.Transition(ctx, fr.ID, fr.Status, schema.FrameWaiting); err != nil {
		return nil, err
	}

	fr.Status = schema.FrameWaiting
	switch itype {
	case schema.ToolInterrupt:
		fr.WaitReason = schema.WaitToolIntervention
	case schema.UserInterrupt:
		fr.WaitReason = schema.WaitUserInput
	}
	fr.ActiveToken = uuid.New().String()
	fr.Interrupt = info

	if err := e.store.SaveFrame(ctx, fr.Record()); err != nil {
		return nil, err
	}
	e.emit(ctx, fr, fr.Pointer, schema.EventHandleIssued, map[string]any{
		"snapshot_id":    snap.ID,
		"interrupt_type": string(itype),
	})

	handle := &schema.ResumeHandle{
		FrameID:       fr.ID,
		SnapshotID:    snap.ID,
		ResumeToken:   fr.ActiveToken,
		InterruptType: itype,
		CurrentBlock:  fr.Pointer,
		RestartBlock:  itype == schema.UserInterrupt,
	}

	result := &schema.StepResult{
		Status:  schema.StepInterrupted,
		Stage:   stage,
		Block:   fr.Pointer,
		Partial: partial != "",
		Interrupt: &schema.Interrupt{
			Type:   itype,
			Handle: handle,
		},
	}
	if sk != nil {
		result.SkillInfo = &schema.SkillInfo{
			SkillType: "tool",
			SkillName: sk.name,
			Args:      sk.args,
			Checked:   true,
		}
	}

	e.logger.InfoContext(ctx, "frame paused",
		"frame_id", fr.ID,
		"block", fr.Pointer,
		"interrupt_type", string(itype))

	return result, nil
}

// PrepareResume validates a handle against the persisted frame record,
// consumes it and returns the rehydrated frame, ready for ExecuteNext.
// A handle is good exactly once: the token is cleared on consumption, so a
// second use is rejected as stale.
func (e *Executor) PrepareResume(ctx context.Context, handle *schema.ResumeHandle, spec *schema.InterruptSpec) (*Frame, error) {
	rec, err := e.store.GetFrame(ctx, handle.FrameID)
	if err != nil {
		return nil, err
	}

	if rec.Status != schema.FrameWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidHandle,
			"frame %s is %s, not waiting", rec.ID, rec.Status)
	}
	if rec.ActiveToken == "" || rec.ActiveToken != handle.ResumeToken {
		return nil, schema.NewError(schema.ErrCodeStaleHandle,
			"resume handle already consumed or superseded")
	}
	if wr := waitReasonFor(handle.InterruptType); wr != rec.WaitReason {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidHandle,
			"handle interrupt type %s does not match frame wait reason %s",
			handle.InterruptType, rec.WaitReason)
	}

	snap, err := e.store.GetSnapshot(ctx, handle.SnapshotID)
	if err != nil {
		return nil, err
	}

	fr, err := FromRecord(rec, snap)
	if err != nil {
		return nil, err
	}

	if err := e.fsm.Transition(ctx, fr.ID, schema.FrameWaiting, schema.FrameRunning); err != nil {
		return nil, err
	}

	fr.Status = schema.FrameRunning
	fr.WaitReason = schema.WaitNone
	fr.ActiveToken = ""
	fr.SetPending(spec)

	if err := e.store.SaveFrame(ctx, fr.Record()); err != nil {
		return nil, err
	}
	e.emit(ctx, fr, fr.Pointer, schema.EventHandleConsumed, map[string]any{
		"interrupt_type": string(handle.InterruptType),
	})

	e.logger.InfoContext(ctx, "frame resumed",
		"frame_id", fr.ID,
		"block", fr.Pointer,
		"interrupt_type", string(handle.InterruptType))

	return fr, nil
}

// Supersede converts a tool-interrupt pause into a user-interrupt pause.
// The previously issued tool handle stops working; the returned handle is
// the only live one and restarts the block on resume.
func (e *Executor) Supersede(ctx context.Context, fr *Frame, br *bridge.Bridge) (*schema.ResumeHandle, error) {
	if fr.Status != schema.FrameWaiting || fr.WaitReason != schema.WaitToolIntervention {
		return nil, schema.NewErrorf(schema.ErrCodeInterruptFailed,
			"frame %s is not waiting on a tool interrupt", fr.ID)
	}

	snaps, err := e.store.ListSnapshots(ctx, fr.ID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"no snapshot recorded for waiting frame %s", fr.ID)
	}
	latest := snaps[len(snaps)-1]

	fr.ActiveToken = uuid.New().String()
	fr.WaitReason = schema.WaitUserInput
	if fr.Interrupt != nil {
		fr.Interrupt.Type = schema.UserInterrupt
		if br != nil {
			fr.Interrupt.Keystrokes = br.DrainInput()
			br.Acknowledge()
		}
	}

	if err := e.store.SaveFrame(ctx, fr.Record()); err != nil {
		return nil, err
	}
	e.emit(ctx, fr, fr.Pointer, schema.EventHandleSuperseded, map[string]any{
		"snapshot_id": latest.ID,
	})

	e.logger.InfoContext(ctx, "tool interrupt superseded by user interrupt",
		"frame_id", fr.ID,
		"block", fr.Pointer)

	return &schema.ResumeHandle{
		FrameID:       fr.ID,
		SnapshotID:    latest.ID,
		ResumeToken:   fr.ActiveToken,
		InterruptType: schema.UserInterrupt,
		CurrentBlock:  fr.Pointer,
		RestartBlock:  true,
	}, nil
}

func waitReasonFor(t schema.InterruptType) schema.WaitReason {
	switch t {
	case schema.ToolInterrupt:
		return schema.WaitToolIntervention
	case schema.UserInterrupt:
		return schema.WaitUserInput
	default:
		return schema.WaitNone
	}
}
