package scheduler

import (
	"context"
	"time"

	"github.com/nugget/aide/internal/events"
)

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Owners  int // owners whose jobs were replaced
	Skipped int // owners whose calendar could not be read
	Jobs    int // jobs imported
}

// Reconcile replaces each indexed owner's jobs with the reminders
// currently tagged in their calendar. The owner universe is the set of
// owners that already have jobs; an owner who never created a reminder
// is not scanned. An owner whose calendar cannot be read keeps their
// jobs until the next pass. Jobs that fail to import are logged and
// skipped.
func (s *Scheduler) Reconcile(ctx context.Context) ReconcileResult {
	var res ReconcileResult
	if s.calendar == nil {
		return res
	}

	owners, err := s.store.Owners(ctx)
	if err != nil {
		s.logger.Error("reconcile failed to list owners", "error", err)
		return res
	}
	s.logger.Info("reconciling reminders with calendar", "owners", len(owners))

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		log := s.logger.With("owner", owner)

		imported, err := s.calendar.Reminders(ctx, owner)
		if err != nil {
			log.Warn("calendar unavailable, keeping local reminders", "error", err)
			res.Skipped++
			continue
		}

		existing, err := s.store.ListOwner(ctx, owner)
		if err != nil {
			log.Error("failed to list reminders", "error", err)
			res.Skipped++
			continue
		}
		for _, job := range existing {
			if err := s.remove(ctx, job); err != nil {
				log.Error("failed to remove reminder before import", "id", job.ID, "error", err)
			}
		}

		tz := s.ownerTimezone(ctx, owner)
		for _, imp := range imported {
			rec := imp.Recurrence
			rec.Timezone = tz
			job, err := s.create(ctx, owner, imp.Payload, rec, imp.ExternalRef)
			if err != nil {
				log.Warn("skipping calendar reminder", "event", imp.ExternalRef, "error", err)
				continue
			}
			log.Debug("imported reminder", "event", imp.ExternalRef, "id", job.ID)
			res.Jobs++
		}
		res.Owners++
	}

	s.logger.Info("reconcile complete", "owners", res.Owners, "skipped", res.Skipped, "jobs", res.Jobs)
	s.bus.Emit(events.SourceScheduler, events.KindReconcileComplete, map[string]any{
		"owners": res.Owners,
		"jobs":   res.Jobs,
	})
	return res
}

// reconcileLoop runs Reconcile once a day at the configured UTC time.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer close(s.reconcileDone)
	for {
		now := s.now()
		next := nextRun(now, time.UTC, s.config.ReconcileHour, s.config.ReconcileMinute, -1)
		s.logger.Debug("next reconcile", "at", next)
		if !sleepCtx(ctx, next.Sub(now)) {
			return
		}
		s.Reconcile(ctx)
	}
}
