// Package streaming publishes stage-tagged progress records to external
// monitors (trajectory viewers, CLIs) without coupling them to the executor.
package streaming

import (
	"context"

	"github.com/rendis/blockflow/pkg/schema"
)

// ProgressEvent is a real-time record emitted during frame execution.
type ProgressEvent struct {
	SessionID string          `json:"session_id"`
	FrameID   string          `json:"frame_id"`
	Stage     schema.Stage    `json:"stage"`
	Record    schema.Progress `json:"record"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID string         `json:"session_id,omitempty"`
	Stages    []schema.Stage `json:"stages,omitempty"`
}

// ProgressHub provides pub/sub for real-time progress records.
type ProgressHub interface {
	Publish(ctx context.Context, event ProgressEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ProgressEvent, func(), error)
}
