// Package snapshot persists immutable context captures, frame records and
// the per-frame event log. Backends: in-memory (tests, ephemeral sessions)
// and libSQL (durable, cross-process resume).
package snapshot

import (
	"context"
	"time"
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use across sessions; snapshots are immutable once created, so
// reads need no coordination.
type Store interface {
	// Frames
	SaveFrame(ctx context.Context, fr *FrameRecord) error
	GetFrame(ctx context.Context, id string) (*FrameRecord, error)

	// Snapshots (immutable after creation)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, frameID string) ([]*Snapshot, error)

	// PruneSnapshots deletes snapshots captured before the cutoff whose
	// frame has ended. Snapshots of waiting frames are never pruned.
	// Returns the number of snapshots removed.
	PruneSnapshots(ctx context.Context, before time.Time) (int, error)

	// Event log (append-only, monotonic per-frame sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, frameID string, since int64) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
