package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// MemoryStore is the in-memory Store backend. Suitable for tests and for
// sessions that do not need to survive the process.
type MemoryStore struct {
	mu        sync.RWMutex
	frames    map[string]*FrameRecord
	snapshots map[string]*Snapshot
	events    map[string][]*Event // frameID -> ordered events
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		frames:    make(map[string]*FrameRecord),
		snapshots: make(map[string]*Snapshot),
		events:    make(map[string][]*Event),
	}
}

// SaveFrame upserts a frame record.
func (s *MemoryStore) SaveFrame(_ context.Context, fr *FrameRecord) error {
	cp, err := copyJSON(fr)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode frame record").WithCause(err)
	}
	cp.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.frames[fr.ID] = cp
	s.mu.Unlock()
	return nil
}

// GetFrame returns the frame record, or a NOT_FOUND error.
func (s *MemoryStore) GetFrame(_ context.Context, id string) (*FrameRecord, error) {
	s.mu.RLock()
	fr, ok := s.frames[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "frame not found: "+id)
	}
	return copyJSON(fr)
}

// SaveSnapshot stores an immutable snapshot. Overwriting an existing id is a
// conflict: snapshots are write-once.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return schema.NewError(schema.ErrCodeConflict, "snapshot already exists: "+snap.ID)
	}
	cp, err := copyJSON(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}
	s.snapshots[snap.ID] = cp
	return nil
}

// GetSnapshot returns the snapshot, or a NOT_FOUND error.
func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "snapshot not found: "+id)
	}
	return copyJSON(snap)
}

// ListSnapshots returns all snapshots of a frame ordered by capture time.
func (s *MemoryStore) ListSnapshots(_ context.Context, frameID string) ([]*Snapshot, error) {
	s.mu.RLock()
	var out []*Snapshot
	for _, snap := range s.snapshots {
		if snap.FrameID == frameID {
			cp, err := copyJSON(snap)
			if err != nil {
				s.mu.RUnlock()
				return nil, schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
			}
			out = append(out, cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// PruneSnapshots removes snapshots of ended frames captured before the cutoff.
func (s *MemoryStore) PruneSnapshots(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, snap := range s.snapshots {
		if !snap.CapturedAt.Before(before) {
			continue
		}
		fr, ok := s.frames[snap.FrameID]
		if ok && !fr.Status.Terminal() {
			continue
		}
		delete(s.snapshots, id)
		pruned++
	}
	return pruned, nil
}

// AppendEvent appends an event with a monotonically increasing per-frame
// sequence.
func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[event.FrameID])) + 1
	cp, err := copyJSON(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode event").WithCause(err)
	}
	cp.ID = seq
	cp.Sequence = seq
	if cp.At.IsZero() {
		cp.At = time.Now().UTC()
	}
	s.events[event.FrameID] = append(s.events[event.FrameID], cp)
	return nil
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (s *MemoryStore) GetEvents(_ context.Context, frameID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.events[frameID] {
		if ev.Sequence <= since {
			continue
		}
		cp, err := copyJSON(ev)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "encode event").WithCause(err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Migrate is a no-op for the memory backend.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }

// copyJSON deep-copies a record through JSON so stored state never aliases
// caller-owned memory.
func copyJSON[T any](in *T) (*T, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
