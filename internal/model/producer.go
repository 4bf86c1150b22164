// Package model defines the LLM stage producer contract consumed by the
// step executor: a lazy, finite, non-restartable stream of text increments
// terminated by a final accumulated answer.
package model

import (
	"context"
	"strings"
)

// Message is one conversational turn handed to a producer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized producer input. Prefix and ResumeValues carry
// the continuation state of a tool-interrupted generation: Prefix is the
// text already streamed before the pause, ResumeValues the operator-supplied
// answers re-arming the pending call.
type Request struct {
	Model        string         `json:"model,omitempty"`
	Messages     []Message      `json:"messages"`
	Prefix       string         `json:"prefix,omitempty"`
	ResumeValues map[string]any `json:"resume_values,omitempty"`
}

// Chunk is one unit of streamed output. Done marks the terminal chunk,
// whose Answer holds the full accumulated text.
type Chunk struct {
	Delta  string `json:"delta,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// Producer drives one generation. The chunk channel is closed after the
// terminal chunk; a producer error (including a raised tool interrupt)
// arrives on the error channel instead.
type Producer interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}

// ScriptedProducer is an in-memory Producer for tests and local runs. Each
// call pops the next script entry and streams it word by word. A nil script
// entry list echoes the last user message.
type ScriptedProducer struct {
	script []ScriptEntry
	next   int
}

// ScriptEntry is one canned generation. When Interrupt is non-nil the
// producer streams PartialWords and then fails with that error; a later
// call carrying ResumeValues continues with the remaining words.
type ScriptEntry struct {
	Words     []string
	Interrupt error // raised after PartialWords when set
	Partial   int   // how many words stream before Interrupt fires
}

// NewScriptedProducer creates a producer that plays entries in order.
func NewScriptedProducer(entries ...ScriptEntry) *ScriptedProducer {
	return &ScriptedProducer{script: entries}
}

// Generate streams the next script entry. The stream honors ctx
// cancellation between chunks.
func (p *ScriptedProducer) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errCh := make(chan error, 1)

	var entry ScriptEntry
	if p.next < len(p.script) {
		entry = p.script[p.next]
		p.next++
	} else if n := len(req.Messages); n > 0 {
		entry = ScriptEntry{Words: strings.Fields(req.Messages[n-1].Content)}
	}

	go func() {
		defer close(out)
		defer close(errCh)

		words := entry.Words
		var acc strings.Builder
		acc.WriteString(req.Prefix)

		limit := len(words)
		interrupting := entry.Interrupt != nil && len(req.ResumeValues) == 0
		if interrupting {
			limit = entry.Partial
		}

		// A resumed generation only streams the not-yet-delivered words.
		start := 0
		if req.Prefix != "" {
			start = len(strings.Fields(req.Prefix))
		}

		for i := start; i < limit; i++ {
			delta := words[i]
			if acc.Len() > 0 {
				delta = " " + delta
			}
			select {
			case out <- Chunk{Delta: delta}:
				acc.WriteString(delta)
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if interrupting {
			errCh <- entry.Interrupt
			return
		}

		select {
		case out <- Chunk{Done: true, Answer: acc.String()}:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return out, errCh
}

var _ Producer = (*ScriptedProducer)(nil)
