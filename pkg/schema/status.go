package schema

// FrameStatus represents the lifecycle state of an execution frame.
type FrameStatus string

const (
	FrameRunning    FrameStatus = "running"
	FrameWaiting    FrameStatus = "waiting"
	FrameCompleted  FrameStatus = "completed"
	FrameFailed     FrameStatus = "failed"
	FrameTerminated FrameStatus = "terminated"
)

// Terminal reports whether the frame can make no further progress.
func (s FrameStatus) Terminal() bool {
	return s == FrameCompleted || s == FrameFailed || s == FrameTerminated
}

// WaitReason qualifies a WAITING frame.
type WaitReason string

const (
	WaitNone             WaitReason = "none"
	WaitToolIntervention WaitReason = "tool_intervention"
	WaitUserInput        WaitReason = "user_input"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionRunning    SessionState = "running"
	SessionPaused     SessionState = "paused"
	SessionCompleted  SessionState = "completed"
	SessionError      SessionState = "error"
	SessionTerminated SessionState = "terminated"
)

// Terminal reports whether the session is over.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionError || s == SessionTerminated
}

// InterruptType distinguishes the two pause kinds. They must never be
// conflated: tool interrupts resume from the breakpoint, user interrupts
// restart the interrupted block.
type InterruptType string

const (
	ToolInterrupt InterruptType = "tool_interrupt"
	UserInterrupt InterruptType = "user_interrupt"
)

// VariableSource tags the provenance of a context variable.
type VariableSource string

const (
	SourceLLM     VariableSource = "llm"
	SourceSkill   VariableSource = "skill"
	SourceAssign  VariableSource = "assign"
	SourceExplore VariableSource = "explore"
	SourceList    VariableSource = "list"
	SourceOther   VariableSource = "other"
)
