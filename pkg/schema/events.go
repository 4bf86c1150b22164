package schema

// Event type constants for the session event log.
const (
	EventFrameStarted    = "frame_started"
	EventFrameCompleted  = "frame_completed"
	EventFrameFailed     = "frame_failed"
	EventFramePaused     = "frame_paused"
	EventFrameResumed    = "frame_resumed"
	EventFrameTerminated = "frame_terminated"

	EventBlockStarted   = "block_started"
	EventBlockCompleted = "block_completed"
	EventBlockFailed    = "block_failed"

	EventInterruptRequested = "interrupt_requested"
	EventSnapshotCaptured   = "snapshot_captured"
	EventHandleIssued       = "handle_issued"
	EventHandleConsumed     = "handle_consumed"
	EventHandleSuperseded   = "handle_superseded"

	EventVariableWritten = "variable_written"
	EventSnapshotPruned  = "snapshot_pruned"
)
