package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/timezone"
)

// ExecuteFunc is called when a job fires.
type ExecuteFunc func(ctx context.Context, job *Job) error

// Imported is a reminder read back from the calendar. Its recurrence
// carries the time but no timezone; the owner's timezone is applied on
// import.
type Imported struct {
	ExternalRef string
	Payload     string
	Recurrence  Recurrence
}

// ReminderEvent is the recurring calendar event that mirrors a
// confirmed reminder.
type ReminderEvent struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
	RRule       string
}

// Calendar is the external source of truth for reminders.
type Calendar interface {
	// Reminders returns the owner's tagged recurring events.
	Reminders(ctx context.Context, owner int64) ([]Imported, error)
	// CreateReminderEvent creates ev and returns its event id.
	CreateReminderEvent(ctx context.Context, owner int64, ev ReminderEvent) (string, error)
	// DeleteReminderEvent removes a mirrored event.
	DeleteReminderEvent(ctx context.Context, owner int64, eventID string) error
}

// Timezones looks up an owner's stored timezone.
type Timezones interface {
	Get(ctx context.Context, owner int64) (string, bool, error)
}

// Authorizer reports whether an owner has connected the calendar.
type Authorizer interface {
	Authorized(ctx context.Context, owner int64) (bool, error)
}

// Config tunes the scheduler.
type Config struct {
	// DefaultTimezone applies when an owner has none stored.
	DefaultTimezone string

	// ReconcileHour and ReconcileMinute are the daily calendar sync
	// time, in UTC.
	ReconcileHour   int
	ReconcileMinute int

	// ConfirmTTL is how long a proposed reminder waits for the owner.
	ConfirmTTL time.Duration

	// FireTimeout bounds a single job execution.
	FireTimeout time.Duration

	// ReminderTag prefixes the description of mirrored calendar
	// events.
	ReminderTag string
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimezone: "UTC",
		ConfirmTTL:      5 * time.Minute,
		FireTimeout:     5 * time.Minute,
		ReminderTag:     "#reminder",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = d.DefaultTimezone
	}
	if c.ConfirmTTL <= 0 {
		c.ConfirmTTL = d.ConfirmTTL
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = d.FireTimeout
	}
	if c.ReminderTag == "" {
		c.ReminderTag = d.ReminderTag
	}
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithCalendar enables event mirroring and the daily reconcile.
func WithCalendar(c Calendar) Option { return func(s *Scheduler) { s.calendar = c } }

// WithTimezones sets the owner timezone lookup.
func WithTimezones(tz Timezones) Option { return func(s *Scheduler) { s.timezones = tz } }

// WithAuthorizer makes create_reminder refuse owners who have not
// connected the calendar.
func WithAuthorizer(a Authorizer) Option { return func(s *Scheduler) { s.auth = a } }

// WithBus publishes scheduler activity.
func WithBus(b *events.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// Scheduler manages reminder timers and execution.
type Scheduler struct {
	logger    *slog.Logger
	store     *Store
	execute   ExecuteFunc
	config    Config
	calendar  Calendar
	timezones Timezones
	auth      Authorizer
	bus       *events.Bus

	now func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // trigger key -> timer
	running bool
	wg      sync.WaitGroup

	cancel        context.CancelFunc
	reconcileDone chan struct{}
}

// New creates a scheduler. Call Start to restore timers.
func New(store *Store, execute ExecuteFunc, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	s := &Scheduler{
		logger:  logger.With("component", "scheduler"),
		store:   store,
		execute: execute,
		config:  cfg,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start restores timers for every active job and, with a calendar
// configured, starts the daily reconcile.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	restored, err := s.restore(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("scheduler started", "reminders", restored)

	if s.calendar != nil {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.reconcileDone = make(chan struct{})
		go s.reconcileLoop(loopCtx)
	}
	return nil
}

// Stop cancels all timers, stops the reconcile loop and waits for
// in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.reconcileDone
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// restore re-registers timers from persisted jobs. A job that cannot
// be scheduled is logged and skipped.
func (s *Scheduler) restore(ctx context.Context) (int, error) {
	jobs, err := s.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load reminders: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if !job.Active {
			continue
		}
		if err := s.schedule(job); err != nil {
			s.logger.Error("failed to restore reminder", "id", job.ID, "owner", job.Owner, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Add validates and persists a job and registers its timers. An empty
// recurrence timezone resolves to the owner's stored timezone.
func (s *Scheduler) Add(ctx context.Context, owner int64, payload string, rec Recurrence, externalRef string) (*Job, error) {
	job, err := s.create(ctx, owner, payload, rec, externalRef)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(events.SourceScheduler, events.KindReminderCreated, map[string]any{
		"owner":  owner,
		"job_id": job.ID,
	})
	return job, nil
}

func (s *Scheduler) create(ctx context.Context, owner int64, payload string, rec Recurrence, externalRef string) (*Job, error) {
	rec, err := s.resolve(ctx, owner, rec)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:          NewID(),
		Owner:       owner,
		Payload:     payload,
		Recurrence:  rec,
		ExternalRef: externalRef,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}
	if err := s.schedule(job); err != nil {
		return nil, err
	}
	s.logger.Info("reminder scheduled",
		"id", job.ID,
		"owner", owner,
		"type", rec.Type,
		"time", rec.Time,
		"timezone", rec.Timezone,
	)
	return job, nil
}

// resolve fills the timezone, normalizes and validates rec.
func (s *Scheduler) resolve(ctx context.Context, owner int64, rec Recurrence) (Recurrence, error) {
	if rec.Timezone == "" {
		rec.Timezone = s.ownerTimezone(ctx, owner)
	}
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	if _, err := timezone.Parse(rec.Timezone); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return rec, nil
}

func (s *Scheduler) ownerTimezone(ctx context.Context, owner int64) string {
	if s.timezones != nil {
		tz, ok, err := s.timezones.Get(ctx, owner)
		if err != nil {
			s.logger.Warn("timezone lookup failed, using default", "owner", owner, "error", err)
		} else if ok && tz != "" {
			return tz
		}
	}
	return s.config.DefaultTimezone
}

// Remove deletes one of owner's jobs and its mirrored calendar event.
// A job belonging to someone else is ErrJobNotFound.
func (s *Scheduler) Remove(ctx context.Context, owner int64, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Owner != owner {
		return ErrJobNotFound
	}
	if err := s.remove(ctx, job); err != nil {
		return err
	}
	if s.calendar != nil && job.ExternalRef != "" {
		if err := s.calendar.DeleteReminderEvent(ctx, owner, job.ExternalRef); err != nil {
			s.logger.Warn("failed to delete calendar event for reminder",
				"id", job.ID, "event", job.ExternalRef, "error", err)
		}
	}
	s.logger.Info("reminder removed", "id", id, "owner", owner)
	return nil
}

// remove unregisters every trigger the job could own, then deletes the
// record. Absent triggers are fine.
func (s *Scheduler) remove(ctx context.Context, job *Job) error {
	s.unschedule(job.ID)
	return s.store.Delete(ctx, job)
}

// List returns owner's jobs, oldest first.
func (s *Scheduler) List(ctx context.Context, owner int64) ([]*Job, error) {
	return s.store.ListOwner(ctx, owner)
}

// schedule registers one timer per trigger of job.
func (s *Scheduler) schedule(job *Job) error {
	loc, err := timezone.Parse(job.Recurrence.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	if _, _, err := job.Recurrence.Clock(); err != nil {
		return err
	}
	for _, tr := range job.triggers() {
		s.scheduleTrigger(job, loc, tr)
	}
	return nil
}

func (s *Scheduler) scheduleTrigger(job *Job, loc *time.Location, tr trigger) {
	h, m, _ := job.Recurrence.Clock()
	next := nextRun(s.now(), loc, h, m, tr.weekday)
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[tr.key]; exists {
		timer.Stop()
	}
	id := job.ID
	s.timers[tr.key] = time.AfterFunc(delay, func() {
		s.onTrigger(id, tr)
	})

	s.logger.Debug("reminder trigger scheduled",
		"id", job.ID,
		"trigger", tr.key,
		"next", next,
		"delay", delay,
	)
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range allTriggerKeys(id) {
		if timer, exists := s.timers[key]; exists {
			timer.Stop()
			delete(s.timers, key)
		}
	}
}

// onTrigger runs when a trigger's timer fires, then re-arms the
// trigger while the job still exists.
func (s *Scheduler) onTrigger(id string, tr trigger) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	delete(s.timers, tr.key)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.FireTimeout)
	defer cancel()

	if err := s.Fire(ctx, id); err != nil {
		s.logger.Error("reminder execution failed", "id", id, "error", err)
	}

	job, err := s.store.Get(ctx, id)
	if err != nil || !job.Active {
		return
	}
	loc, err := timezone.Parse(job.Recurrence.Timezone)
	if err != nil {
		return
	}
	s.scheduleTrigger(job, loc, tr)
}

// Fire executes a job now. A missing or inactive job is a no-op.
// Failures are reported but never retried.
func (s *Scheduler) Fire(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		s.logger.Warn("reminder not found, skipping", "id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Active {
		s.logger.Debug("reminder inactive, skipping", "id", id)
		return nil
	}

	s.logger.Info("firing reminder", "id", id, "owner", job.Owner)
	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, job)
	}
	s.bus.Emit(events.SourceScheduler, events.KindReminderFired, map[string]any{
		"owner":  job.Owner,
		"job_id": job.ID,
		"ok":     execErr == nil,
	})
	return execErr
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":       s.running,
		"active_timers": len(s.timers),
	}
}

// Deliver builds the usual ExecuteFunc: respond runs the job's prompt
// through the conversation loop and send delivers the reply.
func Deliver(respond func(ctx context.Context, owner int64, prompt, tz string) (string, error), send func(ctx context.Context, owner int64, text string) error) ExecuteFunc {
	return func(ctx context.Context, job *Job) error {
		text, err := respond(ctx, job.Owner, job.Payload, job.Recurrence.Timezone)
		if err != nil {
			return fmt.Errorf("respond to reminder %s: %w", job.ID, err)
		}
		if err := send(ctx, job.Owner, "⏰ "+text); err != nil {
			return fmt.Errorf("deliver reminder %s: %w", job.ID, err)
		}
		return nil
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
