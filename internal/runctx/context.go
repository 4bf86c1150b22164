// Package runctx holds the mutable execution context of one frame: the named
// variable pool, the ordered message history and the interrupt-flag slot.
// A Context is exclusively owned by one frame at a time; it is the unit of
// snapshot and restore.
package runctx

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// Variable is one named value in the pool, tagged with its provenance.
type Variable struct {
	Name      string                `json:"name"`
	Value     any                   `json:"value"`
	Source    schema.VariableSource `json:"source"`
	SkillInfo *schema.SkillInfo     `json:"skill_info,omitempty"`
}

// Message is one entry of the conversation history. Partial marks output
// that was cut off by a user interrupt and preserved before suspension.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Partial bool      `json:"partial,omitempty"`
	At      time.Time `json:"at"`
}

// InterruptFlag is the single cooperative interrupt slot. It is only ever
// written from the flow that owns the Context; foreign flows go through the
// bridge hand-off.
type InterruptFlag struct {
	Requested bool       `json:"requested"`
	At        *time.Time `json:"at,omitempty"`
}

// State is the serializable form of a Context. It round-trips through JSON
// without loss; snapshots persist exactly this shape.
type State struct {
	Variables map[string]Variable `json:"variables"`
	Messages  []Message           `json:"messages"`
	Interrupt InterruptFlag       `json:"interrupt"`
}

// Context owns the variable pool, the message history and the interrupt
// flag. Pool entries are never deleted, only overwritten. Mutation happens
// on the owning flow only; the internal lock is the per-session write
// barrier that makes snapshot capture consistent while the flag is being
// polled.
type Context struct {
	mu        sync.Mutex
	vars      map[string]Variable
	messages  []Message
	interrupt InterruptFlag
}

// New creates an empty Context seeded with the given initial variables.
func New(initial map[string]any) *Context {
	c := &Context{vars: make(map[string]Variable)}
	for name, value := range initial {
		c.vars[name] = Variable{Name: name, Value: value, Source: schema.SourceOther}
	}
	return c
}

// SetVar writes a variable into the pool, overwriting any previous entry
// with the same name.
func (c *Context) SetVar(v Variable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[v.Name] = v
}

// Var returns the named variable and whether it exists.
func (c *Context) Var(name string) (Variable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// Pool returns a name-to-value view of the pool for expression scopes.
func (c *Context) Pool() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.vars))
	for name, v := range c.vars {
		out[name] = v.Value
	}
	return out
}

// Append adds a message to the history.
func (c *Context) Append(role, content string) {
	c.appendMessage(Message{Role: role, Content: content, At: time.Now().UTC()})
}

// AppendPartial preserves partially generated output before a suspension,
// so that no streamed content is lost across an interrupt.
func (c *Context) AppendPartial(role, content string) {
	c.appendMessage(Message{Role: role, Content: content, Partial: true, At: time.Now().UTC()})
}

func (c *Context) appendMessage(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// Messages returns a copy of the history in order.
func (c *Context) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// RequestInterrupt raises the interrupt flag. Must only be called from the
// flow that owns the Context; the bridge schedules foreign requests onto it.
func (c *Context) RequestInterrupt(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupt.Requested {
		return
	}
	t := at.UTC()
	c.interrupt = InterruptFlag{Requested: true, At: &t}
}

// InterruptRequested samples the flag. O(1); this is the dominant check on
// every streamed unit.
func (c *Context) InterruptRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupt.Requested
}

// ClearInterrupt resets the flag on resume.
func (c *Context) ClearInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupt = InterruptFlag{}
}

// Capture produces a consistent, immutable State of the pool, history and
// flag at one logical instant. The returned State shares no mutable data
// with the Context.
func (c *Context) Capture() (*State, error) {
	c.mu.Lock()
	st := State{
		Variables: c.vars,
		Messages:  c.messages,
		Interrupt: c.interrupt,
	}
	raw, err := json.Marshal(&st)
	c.mu.Unlock()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "capture context state").WithCause(err)
	}
	var copied State
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "rehydrate context state").WithCause(err)
	}
	return &copied, nil
}

// FromState reconstructs a Context from a captured State.
func FromState(st *State) *Context {
	c := &Context{vars: make(map[string]Variable, len(st.Variables))}
	for name, v := range st.Variables {
		c.vars[name] = v
	}
	c.messages = append(c.messages, st.Messages...)
	c.interrupt = st.Interrupt
	return c
}
