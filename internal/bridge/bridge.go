// Package bridge delivers external interrupt requests into a session's
// execution flow. The context interrupt flag is cooperative and owned by one
// flow; foreign goroutines (keyboard readers, supervisors) never touch it
// directly. They post a request here, and the executor drains the bridge at
// its suspension points, setting the flag from the owning flow.
package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// RequestKind distinguishes the two cross-flow request types.
type RequestKind string

const (
	// RequestInterrupt asks for a user interrupt at the next suspension point.
	RequestInterrupt RequestKind = "interrupt"
	// RequestTerminate asks for cooperative termination. Idempotent.
	RequestTerminate RequestKind = "terminate"
)

// Request is one queued cross-flow message.
type Request struct {
	Kind RequestKind
	At   time.Time
}

// Bridge is the thread-safe hand-off token for one session. Each session
// owns an independent Bridge; there is no cross-session interference.
type Bridge struct {
	mu        sync.Mutex
	sessionID string // bound session, "" when unbound
	pending   chan Request
	requested bool // an interrupt request is queued and not yet acknowledged
	keys      strings.Builder
}

// New creates an unbound Bridge.
func New() *Bridge {
	// Capacity two: one interrupt plus one terminate can be queued at once.
	return &Bridge{pending: make(chan Request, 2)}
}

// Bind records which session this bridge feeds. Binding a bound bridge to a
// different session is a conflict.
func (b *Bridge) Bind(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionID != "" && b.sessionID != sessionID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"bridge already bound to session %s", b.sessionID)
	}
	b.sessionID = sessionID
	return nil
}

// Unbind clears the session binding.
func (b *Bridge) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = ""
}

// SessionID returns the bound session id, or "".
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// SignalInterrupt queues a user-interrupt request. Safe from any goroutine;
// idempotent while a request is outstanding.
func (b *Bridge) SignalInterrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requested {
		return
	}
	select {
	case b.pending <- Request{Kind: RequestInterrupt, At: time.Now().UTC()}:
		b.requested = true
	default:
	}
}

// SignalTerminate queues a termination request. Safe from any goroutine.
func (b *Bridge) SignalTerminate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case b.pending <- Request{Kind: RequestTerminate, At: time.Now().UTC()}:
	default:
		// Already queued; termination is idempotent.
	}
}

// AppendKeystrokes buffers free-form text typed before the interrupt is
// acknowledged, so nothing the operator types is lost.
func (b *Bridge) AppendKeystrokes(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys.WriteString(s)
}

// Poll performs a non-blocking receive of the next queued request. Called
// only from the owning flow, at suspension points. O(1).
func (b *Bridge) Poll() (Request, bool) {
	select {
	case req := <-b.pending:
		return req, true
	default:
		return Request{}, false
	}
}

// DrainInput moves the keystroke buffer out, clearing it. Called by the
// owning flow when the interrupt is acknowledged.
func (b *Bridge) DrainInput() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.keys.String()
	b.keys.Reset()
	return s
}

// Acknowledge marks the outstanding interrupt request as consumed so a
// later request can be signaled after resume.
func (b *Bridge) Acknowledge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requested = false
}
