package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/pkg/schema"
)

func testProgram() *schema.Program {
	return &schema.Program{Blocks: []schema.Block{
		{Category: schema.BlockAssign, Content: "1", Output: "x"},
	}}
}

func TestMemoryStore_FrameRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &FrameRecord{
		ID:        "f1",
		SessionID: "s1",
		Program:   testProgram(),
		Pointer:   2,
		Status:    schema.FrameWaiting,
		WaitReason: schema.WaitToolIntervention,
		ActiveToken: "tok",
		Interrupt: &InterruptInfo{
			Type:      schema.ToolInterrupt,
			Block:     2,
			Started:   true,
			SkillName: "db",
			Wanted:    []string{"password"},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveFrame(ctx, rec))

	got, err := store.GetFrame(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 2, got.Pointer)
	assert.Equal(t, schema.FrameWaiting, got.Status)
	assert.Equal(t, "tok", got.ActiveToken)
	require.NotNil(t, got.Interrupt)
	assert.True(t, got.Interrupt.Started)
	assert.Equal(t, []string{"password"}, got.Interrupt.Wanted)
	assert.False(t, got.UpdatedAt.IsZero())

	// The store holds a copy, not the caller's pointer.
	rec.Pointer = 99
	again, err := store.GetFrame(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Pointer)
}

func TestMemoryStore_GetFrameNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetFrame(context.Background(), "nope")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestMemoryStore_SnapshotWriteOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := &Snapshot{
		ID:         "snap1",
		FrameID:    "f1",
		Pointer:    1,
		State:      json.RawMessage(`{"pool":{}}`),
		CapturedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	err := store.SaveSnapshot(ctx, snap)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)

	got, err := store.GetSnapshot(ctx, "snap1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Pointer)
	assert.JSONEq(t, `{"pool":{}}`, string(got.State))
}

func TestMemoryStore_ListSnapshotsOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
			ID:         id,
			FrameID:    "f1",
			State:      json.RawMessage(`{}`),
			CapturedAt: base.Add(time.Duration(2-i) * time.Minute),
		}))
	}
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		ID: "other", FrameID: "f2", State: json.RawMessage(`{}`), CapturedAt: base,
	}))

	snaps, err := store.ListSnapshots(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "b", snaps[0].ID)
	assert.Equal(t, "a", snaps[1].ID)
	assert.Equal(t, "c", snaps[2].ID)
}

func TestMemoryStore_PruneSkipsWaitingFrames(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	require.NoError(t, store.SaveFrame(ctx, &FrameRecord{
		ID: "waiting", Program: testProgram(), Status: schema.FrameWaiting,
	}))
	require.NoError(t, store.SaveFrame(ctx, &FrameRecord{
		ID: "done", Program: testProgram(), Status: schema.FrameCompleted,
	}))

	for _, frameID := range []string{"waiting", "done"} {
		require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
			ID: frameID + "-snap", FrameID: frameID,
			State: json.RawMessage(`{}`), CapturedAt: old,
		}))
	}

	pruned, err := store.PruneSnapshots(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	// The waiting frame's snapshot backs a live handle and must survive.
	_, err = store.GetSnapshot(ctx, "waiting-snap")
	require.NoError(t, err)
	_, err = store.GetSnapshot(ctx, "done-snap")
	require.Error(t, err)
}

func TestMemoryStore_PruneKeepsRecentSnapshots(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveFrame(ctx, &FrameRecord{
		ID: "done", Program: testProgram(), Status: schema.FrameCompleted,
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		ID: "fresh", FrameID: "done",
		State: json.RawMessage(`{}`), CapturedAt: time.Now().UTC(),
	}))

	pruned, err := store.PruneSnapshots(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestMemoryStore_EventSequencing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{schema.EventFrameStarted, schema.EventBlockStarted, schema.EventBlockCompleted} {
		require.NoError(t, store.AppendEvent(ctx, &Event{FrameID: "f1", Type: typ}))
	}
	require.NoError(t, store.AppendEvent(ctx, &Event{FrameID: "f2", Type: schema.EventFrameStarted}))

	all, err := store.GetEvents(ctx, "f1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Sequence, "per-frame sequences are dense")
		assert.False(t, ev.At.IsZero())
	}

	tail, err := store.GetEvents(ctx, "f1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventBlockCompleted, tail[0].Type)

	other, err := store.GetEvents(ctx, "f2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences do not leak across frames")
}
