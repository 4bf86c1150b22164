// Package scheduler runs the snapshot retention job: snapshots of ended
// frames older than the retention window are pruned on a cron schedule.
// Snapshots of waiting frames are never touched; a pending resume handle
// must stay valid indefinitely.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/blockflow/internal/snapshot"
	"github.com/rendis/blockflow/pkg/schema"
)

// DefaultRetention is the age past which snapshots of ended frames are
// pruned.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultSchedule prunes hourly.
const DefaultSchedule = "0 * * * *"

// Retention owns the cron loop that prunes expired snapshots.
type Retention struct {
	store     snapshot.Store
	logger    *slog.Logger
	schedule  cron.Schedule
	retention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRetention creates a retention pruner. spec is a standard five-field
// cron expression; empty means DefaultSchedule. A zero retention means
// DefaultRetention.
func NewRetention(store snapshot.Store, spec string, retention time.Duration, logger *slog.Logger) (*Retention, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid retention schedule %q: %s", spec, err.Error()).WithCause(err)
	}

	return &Retention{
		store:     store,
		logger:    logger,
		schedule:  schedule,
		retention: retention,
	}, nil
}

// Start launches the background pruning loop.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "retention pruner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("snapshot retention started",
		slog.Duration("retention", r.retention))
	return nil
}

// Stop halts the loop and waits for the in-flight prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Retention) loop(ctx context.Context) {
	defer close(r.done)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.prune(ctx)
		}
	}
}

// Prune runs one pruning pass immediately. Also used by the cron loop.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.retention)
	return r.store.PruneSnapshots(ctx, cutoff)
}

func (r *Retention) prune(ctx context.Context) {
	removed, err := r.Prune(ctx)
	if err != nil {
		r.logger.Error("snapshot prune failed", slog.String("error", err.Error()))
		return
	}
	if removed == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"removed": removed})
	event := &snapshot.Event{
		FrameID: "retention",
		Type:    schema.EventSnapshotPruned,
		Payload: payload,
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("record prune event", slog.String("error", err.Error()))
	}
	r.logger.Info("snapshots pruned", slog.Int("removed", removed))
}
