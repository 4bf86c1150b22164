// Package skills defines the skill invocation boundary of the execution
// core. The core never sandboxes or schedules skills itself; it calls an
// Invoker and translates the tool-interrupt condition it may surface.
package skills

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/blockflow/pkg/schema"
)

// ToolInterrupt is the condition a skill raises when it needs synchronous
// operator input (a missing credential, an ambiguous parameter). It is not a
// failure: the executor converts it into a pause with a resume handle.
type ToolInterrupt struct {
	Skill  string         // skill that raised the condition
	Args   map[string]any // args the skill was invoked with
	Wanted []string       // names of the inputs the operator must supply
}

func (t *ToolInterrupt) Error() string {
	return fmt.Sprintf("skill %q requires operator input: %v", t.Skill, t.Wanted)
}

// AsToolInterrupt unwraps err into a ToolInterrupt if it is one.
func AsToolInterrupt(err error) (*ToolInterrupt, bool) {
	var ti *ToolInterrupt
	if errors.As(err, &ti) {
		return ti, true
	}
	return nil, false
}

// Invoker executes a skill by name. Implementations may raise a
// *ToolInterrupt to request operator input; any other error is an ordinary
// skill failure.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Func is a plain-function skill.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry is the in-process Invoker: a thread-safe name-to-function map.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Func)}
}

// Register adds or replaces a skill.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[name] = fn
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named skill.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "skill %q not registered", name)
	}
	return fn(ctx, args)
}

var _ Invoker = (*Registry)(nil)
