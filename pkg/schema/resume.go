package schema

import "encoding/json"

// ResumeHandle is the opaque, one-time-use token binding a paused frame to
// its snapshot. It is the sole input required to resume execution, in this
// process or another one. Produced exactly once per pause; re-use is
// rejected with ErrCodeStaleHandle.
type ResumeHandle struct {
	FrameID       string        `json:"frame_id"`
	SnapshotID    string        `json:"snapshot_id"`
	ResumeToken   string        `json:"resume_token"`
	InterruptType InterruptType `json:"interrupt_type"`
	CurrentBlock  int           `json:"current_block"`
	RestartBlock  bool          `json:"restart_block"`
}

// Encode serializes the handle for transport.
func (h *ResumeHandle) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeResumeHandle reconstructs a handle from its serialized form.
func DecodeResumeHandle(data []byte) (*ResumeHandle, error) {
	var h ResumeHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, NewError(ErrCodeInvalidHandle, "malformed resume handle").WithCause(err)
	}
	if h.FrameID == "" || h.ResumeToken == "" {
		return nil, NewError(ErrCodeInvalidHandle, "resume handle missing frame_id or resume_token")
	}
	return &h, nil
}

// InterruptSpec carries the operator input consumed on resume. For tool
// interrupts, Answers re-arms the pending skill call; for user interrupts,
// Message is appended to the history before the block restarts.
type InterruptSpec struct {
	Message string         `json:"message,omitempty"`
	Answers map[string]any `json:"answers,omitempty"`
}
