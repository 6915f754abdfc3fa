package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/cronutil"
	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// Scheduler runs the periodic cron-trigger tick: W concurrent workers drain
// due trigger rows, fire them through Service.Trigger, and each reschedules
// its own next occurrence.
type Scheduler struct {
	triggers ports.TriggerStore
	trigger  *Service
	workers  int
	tickRate time.Duration
	running  atomic.Bool
	now      func() time.Time
}

func NewScheduler(triggers ports.TriggerStore, trigger *Service, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{triggers: triggers, trigger: trigger, workers: workers, tickRate: time.Minute, now: time.Now}
}

// Run blocks, ticking every tickRate until ctx is cancelled. Each tick is
// coalesced: if the previous tick's workers are still draining, the new
// tick is skipped rather than piling up concurrent passes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("trigger scheduler tick skipped, previous tick still running")
		return
	}
	defer s.running.Store(false)

	cronTime := s.now()
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.drain(ctx, cronTime)
		}()
	}
	wg.Wait()
}

// drain repeatedly claims the next due trigger and fires it until none
// remain, the pattern each of the W workers runs concurrently.
func (s *Scheduler) drain(ctx context.Context, cronTime time.Time) {
	for {
		due, err := s.triggers.ClaimDue(ctx, cronTime)
		if err != nil {
			slog.Error("trigger scheduler: claim due", "error", err)
			return
		}
		if due == nil {
			return
		}
		s.fire(ctx, due, cronTime)
	}
}

func (s *Scheduler) fire(ctx context.Context, due *domain.DatabaseTrigger, cronTime time.Time) {
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "trigger.Scheduler.fire")
	defer span.End()

	status := domain.TriggerTriggered
	fireErr := ""
	_, err := s.trigger.Trigger(ctx, due.Namespace, due.GraphName, Request{})
	if err != nil {
		status = domain.TriggerFailed
		fireErr = err.Error()
		if errors.Is(err, ErrPreconditionFailed) {
			slog.Warn("trigger scheduler: graph not VALID, will retry on next revalidation", "namespace", due.Namespace, "graph", due.GraphName)
		} else {
			slog.Error("trigger scheduler: fire failed", "namespace", due.Namespace, "graph", due.GraphName, "error", err)
		}
	}

	now := s.now()
	if err := s.triggers.MarkTerminal(ctx, due.ID, status, fireErr, now); err != nil {
		slog.Error("trigger scheduler: mark terminal", "id", due.ID, "error", err)
	}

	s.rescheduleNext(ctx, due, cronTime)
}

// rescheduleNext inserts the next PENDING row after due's trigger_time,
// skipping past any already-elapsed occurrences (missed ticks) until one
// lies strictly in the future relative to cronTime. Each attempted insert
// that collides with an existing row is tolerated: the row already exists.
func (s *Scheduler) rescheduleNext(ctx context.Context, due *domain.DatabaseTrigger, cronTime time.Time) {
	next, err := cronutil.NextFireAfterUTC(due.Expression, due.Timezone, due.TriggerTime, cronTime)
	if err != nil {
		slog.Error("trigger scheduler: compute next fire", "expression", due.Expression, "timezone", due.Timezone, "error", err)
		return
	}
	row := &domain.DatabaseTrigger{
		Type: due.Type, GraphName: due.GraphName, Namespace: due.Namespace,
		Expression: due.Expression, Timezone: due.Timezone,
		TriggerTime: next, Status: domain.TriggerPending,
	}
	if err := s.triggers.Insert(ctx, row); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			slog.Debug("trigger scheduler: next occurrence row already exists", "trigger_time", next)
			return
		}
		slog.Error("trigger scheduler: insert next occurrence", "error", err)
	}
}

// ReconcileStartup fixes up leftover {TRIGGERED, FAILED} rows with a nil
// expires_at left behind by a prior process that died between firing and
// recording its terminal expiry, so the TTL index eventually reaps them.
func (s *Scheduler) ReconcileStartup(ctx context.Context, retention time.Duration) error {
	return s.triggers.ReconcileStartup(ctx, retention)
}
