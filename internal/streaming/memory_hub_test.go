package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/pkg/schema"
)

func llmEvent(sessionID, answer string) ProgressEvent {
	return ProgressEvent{
		SessionID: sessionID,
		FrameID:   "f1",
		Stage:     schema.StageLLM,
		Record:    &schema.LLMProgress{Answer: answer},
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, llmEvent("s1", "hello")))

	got := <-events
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, schema.StageLLM, got.Stage)
}

func TestMemoryHub_SessionFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, llmEvent("s2", "other")))
	require.NoError(t, hub.Publish(ctx, llmEvent("s1", "mine")))

	got := <-events
	assert.Equal(t, "s1", got.SessionID)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event for session %s", extra.SessionID)
	default:
	}
}

func TestMemoryHub_StageFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, EventFilter{Stages: []schema.Stage{schema.StageSkill}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, llmEvent("s1", "text")))
	require.NoError(t, hub.Publish(ctx, ProgressEvent{
		SessionID: "s1",
		Stage:     schema.StageSkill,
		Record:    &schema.SkillProgress{Info: schema.SkillInfo{SkillName: "sum"}},
	}))

	got := <-events
	assert.Equal(t, schema.StageSkill, got.Stage)
	select {
	case <-events:
		t.Fatal("stage filter leaked an event")
	default:
	}
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, llmEvent("s1", "late")))
	select {
	case <-events:
		t.Fatal("event delivered after cancel")
	default:
	}
}

func TestMemoryHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	for i := 0; i < defaultChannelBuffer*2; i++ {
		require.NoError(t, hub.Publish(ctx, llmEvent("s1", "burst")))
	}
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
	require.Error(t, hub.Publish(ctx, llmEvent("s1", "x")))
}
