package model

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/blockflow/internal/skills"
	"github.com/rendis/blockflow/pkg/schema"
)

// CircuitState represents the state of a per-model circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the producer circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test call.
	Cooldown time.Duration
	// HalfOpenMax is the number of test calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerProducer wraps a Producer with a per-model circuit breaker. A model
// that keeps failing is rejected fast instead of burning the block's latency
// budget. Tool interrupts are not failures and never trip the circuit.
type BreakerProducer struct {
	inner  Producer
	config BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakerProducer wraps inner with the given config.
func NewBreakerProducer(inner Producer, config BreakerConfig) *BreakerProducer {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &BreakerProducer{
		inner:    inner,
		config:   config,
		circuits: make(map[string]*circuit),
	}
}

// Generate delegates to the inner producer when the model's circuit allows
// it, observing the outcome through the forwarded channels.
func (b *BreakerProducer) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if err := b.allow(req.Model); err != nil {
		out := make(chan Chunk)
		errCh := make(chan error, 1)
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	innerChunks, innerErrs := b.inner.Generate(ctx, req)
	out := make(chan Chunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		for innerChunks != nil || innerErrs != nil {
			select {
			case chunk, ok := <-innerChunks:
				if !ok {
					innerChunks = nil
					continue
				}
				if chunk.Done {
					b.recordSuccess(req.Model)
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case err, ok := <-innerErrs:
				if !ok {
					innerErrs = nil
					continue
				}
				if _, isInterrupt := skills.AsToolInterrupt(err); !isInterrupt {
					b.recordFailure(req.Model)
				}
				errCh <- err
				return
			}
		}
	}()

	return out, errCh
}

// State returns the circuit state for a model.
func (b *BreakerProducer) State(model string) CircuitState {
	cb := b.getOrCreate(model)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (b *BreakerProducer) allow(model string) error {
	cb := b.getOrCreate(model)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeModel,
			"circuit open for model %q: %d consecutive failures", model, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"model":                model,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeModel,
				"circuit half-open for model %q: max test calls reached", model)
		}
		cb.halfOpenAttempts++
		return nil
	}
	return nil
}

func (b *BreakerProducer) recordSuccess(model string) {
	cb := b.getOrCreate(model)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

func (b *BreakerProducer) recordFailure(model string) {
	cb := b.getOrCreate(model)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

func (b *BreakerProducer) getOrCreate(model string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuits[model]
	if !ok {
		cb = &circuit{state: CircuitClosed, config: b.config}
		b.circuits[model] = cb
	}
	return cb
}

var _ Producer = (*BreakerProducer)(nil)
