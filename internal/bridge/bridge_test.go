package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_Bind(t *testing.T) {
	b := New()
	assert.Empty(t, b.SessionID())

	require.NoError(t, b.Bind("s1"))
	assert.Equal(t, "s1", b.SessionID())

	// Rebinding to the same session is fine, a different one is not.
	require.NoError(t, b.Bind("s1"))
	require.Error(t, b.Bind("s2"))

	b.Unbind()
	require.NoError(t, b.Bind("s2"))
}

func TestBridge_PollEmpty(t *testing.T) {
	b := New()
	_, ok := b.Poll()
	assert.False(t, ok)
}

func TestBridge_InterruptSignalIdempotentUntilAcknowledged(t *testing.T) {
	b := New()

	b.SignalInterrupt()
	b.SignalInterrupt()
	b.SignalInterrupt()

	req, ok := b.Poll()
	require.True(t, ok)
	assert.Equal(t, RequestInterrupt, req.Kind)
	assert.False(t, req.At.IsZero())

	// The duplicates collapsed into the one outstanding request.
	_, ok = b.Poll()
	assert.False(t, ok)

	// A new signal before acknowledgment is still swallowed.
	b.SignalInterrupt()
	_, ok = b.Poll()
	assert.False(t, ok)

	b.Acknowledge()
	b.SignalInterrupt()
	req, ok = b.Poll()
	require.True(t, ok)
	assert.Equal(t, RequestInterrupt, req.Kind)
}

func TestBridge_TerminateQueuesAlongsideInterrupt(t *testing.T) {
	b := New()
	b.SignalInterrupt()
	b.SignalTerminate()
	b.SignalTerminate()

	first, ok := b.Poll()
	require.True(t, ok)
	assert.Equal(t, RequestInterrupt, first.Kind)

	second, ok := b.Poll()
	require.True(t, ok)
	assert.Equal(t, RequestTerminate, second.Kind)

	_, ok = b.Poll()
	assert.False(t, ok)
}

func TestBridge_KeystrokeBuffer(t *testing.T) {
	b := New()
	assert.Empty(t, b.DrainInput())

	b.AppendKeystrokes("wait, ")
	b.AppendKeystrokes("stop that")

	assert.Equal(t, "wait, stop that", b.DrainInput())
	assert.Empty(t, b.DrainInput(), "draining clears the buffer")
}

func TestBridge_ConcurrentSignals(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.SignalInterrupt()
			b.AppendKeystrokes("x")
		}()
	}
	wg.Wait()

	req, ok := b.Poll()
	require.True(t, ok)
	assert.Equal(t, RequestInterrupt, req.Kind)
	_, ok = b.Poll()
	assert.False(t, ok, "concurrent signals collapse into one request")

	assert.Len(t, b.DrainInput(), 16)
}
