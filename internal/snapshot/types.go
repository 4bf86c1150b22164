package snapshot

import (
	"encoding/json"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// Snapshot is an immutable capture of a Context plus the frame position at a
// pause instant. Read-only after creation; identity is independent of
// process, so a Snapshot must be reconstructible from serialized form alone.
type Snapshot struct {
	ID         string          `json:"id"`
	FrameID    string          `json:"frame_id"`
	Pointer    int             `json:"pointer"`
	State      json.RawMessage `json:"state"` // serialized runctx.State
	CapturedAt time.Time       `json:"captured_at"`
}

// InterruptInfo records what was pending when a frame paused. It is the
// serialized continuation: enough to re-arm a tool call or restart a block
// in another process.
type InterruptInfo struct {
	Type    schema.InterruptType `json:"type"`
	Block   int                  `json:"block"`
	Started bool                 `json:"started"` // the block had begun when the pause hit

	SkillName  string               `json:"skill_name,omitempty"`
	SkillArgs  map[string]any       `json:"skill_args,omitempty"`
	Wanted     []string             `json:"wanted,omitempty"`     // inputs the tool asked for
	Partial    string               `json:"partial,omitempty"`    // accumulated stream output at pause
	Keystrokes string               `json:"keystrokes,omitempty"` // text typed before the interrupt was acknowledged
	At         time.Time            `json:"at"`
}

// FrameRecord is the persisted representation of an execution frame. The
// program travels with the frame so a resume in a fresh process needs only
// the store and a handle.
type FrameRecord struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	Program       *schema.Program    `json:"program"`
	Pointer       int                `json:"pointer"`
	Status        schema.FrameStatus `json:"status"`
	WaitReason    schema.WaitReason  `json:"wait_reason"`
	ActiveToken   string             `json:"active_token,omitempty"` // resume token of the live handle, "" when none
	Interrupt     *InterruptInfo     `json:"interrupt,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
}

// Event is an immutable entry in the per-frame event log.
type Event struct {
	ID       int64           `json:"id"`
	FrameID  string          `json:"frame_id"`
	Block    int             `json:"block,omitempty"`
	Type     string          `json:"event_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
	Sequence int64           `json:"sequence"`
}
