package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/timezone"
)

// Messages shown around the confirmation flow.
const (
	ExpiredMessage   = "⚠️ Срок подтверждения истёк. Создайте напоминание заново."
	CancelledMessage = "❌ Создание напоминания отменено."
	ForeignMessage   = "⚠️ Это подтверждение предназначено для другого пользователя."
)

// eventLength is how long a mirrored calendar event lasts.
const eventLength = 15 * time.Minute

// Propose validates a reminder and parks it until the owner confirms.
func (s *Scheduler) Propose(ctx context.Context, owner int64, payload, summary string, rec Recurrence) (*Pending, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("%w: empty reminder text", ErrInvalidRecurrence)
	}
	rec, err := s.resolve(ctx, owner, rec)
	if err != nil {
		return nil, err
	}
	p := &Pending{Owner: owner, Payload: payload, Summary: summary, Recurrence: rec}
	if err := s.store.Park(ctx, p, s.config.ConfirmTTL); err != nil {
		return nil, err
	}
	s.logger.Info("reminder awaiting confirmation", "owner", owner, "pending", p.ID)
	return p, nil
}

// Confirm turns a parked reminder into a job. The reminder is claimed
// before any side effect so a repeated confirmation creates nothing.
// With a calendar configured the recurring event is created first and
// its id becomes the job's external ref; if that or saving the job
// fails the reminder is parked again under the same id.
func (s *Scheduler) Confirm(ctx context.Context, owner int64, id string) (*Job, error) {
	p, err := s.store.Pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Owner != owner {
		return nil, ErrForeignConfirmation
	}
	if p, err = s.store.ClaimPending(ctx, id); err != nil {
		return nil, err
	}

	job, err := s.confirm(ctx, owner, p)
	if err != nil {
		if rerr := s.store.repark(context.WithoutCancel(ctx), p, s.config.ConfirmTTL); rerr != nil {
			s.logger.Warn("failed to restore pending reminder", "pending", id, "error", rerr)
		}
		return nil, err
	}
	return job, nil
}

func (s *Scheduler) confirm(ctx context.Context, owner int64, p *Pending) (*Job, error) {
	ref := ""
	if s.calendar != nil {
		ev, err := s.reminderEvent(p)
		if err != nil {
			return nil, err
		}
		ref, err = s.calendar.CreateReminderEvent(ctx, owner, ev)
		if err != nil {
			return nil, fmt.Errorf("create calendar event: %w", err)
		}
	}
	return s.Add(ctx, owner, p.Payload, p.Recurrence, ref)
}

// Reject drops a parked reminder. An already expired one is not an
// error.
func (s *Scheduler) Reject(ctx context.Context, owner int64, id string) error {
	p, err := s.store.Pending(ctx, id)
	if errors.Is(err, ErrConfirmationExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Owner != owner {
		return ErrForeignConfirmation
	}
	return s.store.DropPending(ctx, id)
}

func (s *Scheduler) reminderEvent(p *Pending) (ReminderEvent, error) {
	loc, err := timezone.Parse(p.Recurrence.Timezone)
	if err != nil {
		return ReminderEvent{}, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	job := &Job{Recurrence: p.Recurrence}
	start, err := job.NextRun(s.now(), loc)
	if err != nil {
		return ReminderEvent{}, err
	}

	title := p.Summary
	if title == "" {
		title = shorten(p.Payload, 50)
	}
	return ReminderEvent{
		Summary:     "⏰ " + title,
		Description: s.config.ReminderTag + " " + p.Payload,
		Start:       start,
		End:         start.Add(eventLength),
		Timezone:    p.Recurrence.Timezone,
		RRule:       p.Recurrence.RRule(),
	}, nil
}

// ConfirmPrompt is the text shown while a reminder awaits confirmation.
func ConfirmPrompt(p *Pending) string {
	return fmt.Sprintf("Создать напоминание?\n\n📝 %s\n⏰ %s\n🌍 %s",
		p.Payload, p.Recurrence.Describe(), p.Recurrence.Timezone)
}

// ConfirmedMessage is the text shown once a reminder is created.
func ConfirmedMessage(j *Job) string {
	return fmt.Sprintf("✅ Напоминание создано!\n\n📝 %s\n⏰ %s\n🌍 %s",
		j.Payload, j.Recurrence.Describe(), j.Recurrence.Timezone)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
