// Package scheduler runs recurring reminders. Job records live in the
// key-value store; timers are rebuilt from them on every start. A job
// fires by running its prompt through the conversation loop and
// delivering the reply to its owner.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidRecurrence wraps every recurrence validation failure.
	ErrInvalidRecurrence = errors.New("invalid recurrence")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("reminder not found")

	// ErrConfirmationExpired is returned when a pending reminder is
	// gone, either confirmed already or past its TTL.
	ErrConfirmationExpired = errors.New("confirmation expired")

	// ErrForeignConfirmation is returned when one owner tries to act on
	// another owner's pending reminder.
	ErrForeignConfirmation = errors.New("confirmation belongs to another owner")
)

// RecurrenceType is how often a reminder repeats.
type RecurrenceType string

const (
	Daily  RecurrenceType = "daily"
	Weekly RecurrenceType = "weekly"
)

// Recurrence says when a job fires. Weekdays are numbered 0 (Monday)
// to 6 (Sunday) and only apply to weekly jobs.
type Recurrence struct {
	Type     RecurrenceType `json:"type"`
	Time     string         `json:"time"` // HH:MM, 24h
	Timezone string         `json:"timezone"`
	Weekdays []int          `json:"weekdays,omitempty"`
}

// Job is a persisted recurring reminder.
type Job struct {
	ID         string     `json:"id"` // UUIDv7
	Owner      int64      `json:"owner"`
	Payload    string     `json:"payload"` // prompt run when the job fires
	Recurrence Recurrence `json:"recurrence"`

	// ExternalRef is the id of the calendar event the job mirrors.
	ExternalRef string    `json:"external_ref,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clock parses r.Time.
func (r Recurrence) Clock() (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(r.Time), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidRecurrence, r.Time)
	}
	hour, herr := strconv.Atoi(h)
	minute, merr := strconv.Atoi(m)
	if herr != nil || merr != nil || len(m) != 2 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidRecurrence, r.Time)
	}
	return hour, minute, nil
}

// Validate checks the type, time and weekday set.
func (r Recurrence) Validate() error {
	switch r.Type {
	case Daily:
	case Weekly:
		if len(r.Weekdays) == 0 {
			return fmt.Errorf("%w: weekly reminders need at least one weekday", ErrInvalidRecurrence)
		}
		for _, d := range r.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidRecurrence, d)
			}
		}
	default:
		return fmt.Errorf("%w: type %q, want daily or weekly", ErrInvalidRecurrence, r.Type)
	}
	_, _, err := r.Clock()
	return err
}

// Normalize returns r with the time zero-padded and weekdays sorted
// and deduplicated. Daily recurrences drop their weekdays.
func (r Recurrence) Normalize() Recurrence {
	if h, m, err := r.Clock(); err == nil {
		r.Time = fmt.Sprintf("%02d:%02d", h, m)
	}
	if r.Type == Daily {
		r.Weekdays = nil
		return r
	}
	var seen [7]bool
	var days []int
	for _, d := range r.Weekdays {
		if d >= 0 && d <= 6 && !seen[d] {
			seen[d] = true
		}
	}
	for d, ok := range seen {
		if ok {
			days = append(days, d)
		}
	}
	r.Weekdays = days
	return r
}

// trigger is one timer derived from a job. weekday is -1 for daily
// jobs.
type trigger struct {
	key     string
	weekday int
}

// triggers returns one trigger for a daily job and one per weekday for
// a weekly job.
func (j *Job) triggers() []trigger {
	if j.Recurrence.Type == Daily {
		return []trigger{{key: "reminder_" + j.ID, weekday: -1}}
	}
	out := make([]trigger, 0, len(j.Recurrence.Weekdays))
	for _, d := range j.Recurrence.Weekdays {
		out = append(out, trigger{key: fmt.Sprintf("reminder_%s_day%d", j.ID, d), weekday: d})
	}
	return out
}

// allTriggerKeys lists every key a job with id could have registered,
// whatever its recurrence was.
func allTriggerKeys(id string) []string {
	keys := []string{"reminder_" + id}
	for d := 0; d < 7; d++ {
		keys = append(keys, fmt.Sprintf("reminder_%s_day%d", id, d))
	}
	return keys
}

// mondayIndex converts time.Weekday (Sunday=0) to 0=Monday.
func mondayIndex(w time.Weekday) int {
	return (int(w) + 6) % 7
}

// nextRun returns the first wall-clock hour:minute in loc strictly
// after after, restricted to weekday (0=Monday) unless weekday is -1.
func nextRun(after time.Time, loc *time.Location, hour, minute, weekday int) time.Time {
	local := after.In(loc)
	for d := 0; d <= 8; d++ {
		c := time.Date(local.Year(), local.Month(), local.Day()+d, hour, minute, 0, 0, loc)
		if !c.After(after) {
			continue
		}
		if weekday < 0 || mondayIndex(c.Weekday()) == weekday {
			return c
		}
	}
	// Unreachable for valid input; fall back to a day later.
	return after.Add(24 * time.Hour)
}

// NextRun returns the job's next firing time after after.
func (j *Job) NextRun(after time.Time, loc *time.Location) (time.Time, error) {
	h, m, err := j.Recurrence.Clock()
	if err != nil {
		return time.Time{}, err
	}
	var best time.Time
	for _, tr := range j.triggers() {
		t := nextRun(after, loc, h, m, tr.weekday)
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best, nil
}

var (
	weekdayShort = [7]string{"пн", "вт", "ср", "чт", "пт", "сб", "вс"}
	weekdayEvery = [7]string{
		"каждый понедельник", "каждый вторник", "каждую среду", "каждый четверг",
		"каждую пятницу", "каждую субботу", "каждое воскресенье",
	}
)

// Describe renders r for humans, e.g. "ежедневно в 20:00".
func (r Recurrence) Describe() string {
	if r.Type == Daily {
		return "ежедневно в " + r.Time
	}
	if len(r.Weekdays) == 1 && r.Weekdays[0] >= 0 && r.Weekdays[0] <= 6 {
		return weekdayEvery[r.Weekdays[0]] + " в " + r.Time
	}
	names := make([]string, 0, len(r.Weekdays))
	for _, d := range r.Weekdays {
		if d >= 0 && d <= 6 {
			names = append(names, weekdayShort[d])
		}
	}
	return "по дням " + strings.Join(names, ", ") + " в " + r.Time
}

// rruleDays maps weekday numbers to RRULE BYDAY codes.
var rruleDays = [7]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// RRule renders r as an iCalendar recurrence rule.
func (r Recurrence) RRule() string {
	if r.Type == Daily {
		return "RRULE:FREQ=DAILY"
	}
	codes := make([]string, 0, len(r.Weekdays))
	for _, d := range r.Weekdays {
		codes = append(codes, rruleDays[d])
	}
	return "RRULE:FREQ=WEEKLY;BYDAY=" + strings.Join(codes, ",")
}

// ParseRRule reads FREQ=DAILY and FREQ=WEEKLY;BYDAY=... rules into a
// recurrence without time or timezone. Other frequencies are not
// reminders.
func ParseRRule(rule string) (Recurrence, error) {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	parts := map[string]string{}
	for _, kv := range strings.Split(rule, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			parts[strings.ToUpper(k)] = strings.ToUpper(v)
		}
	}

	switch parts["FREQ"] {
	case "DAILY":
		return Recurrence{Type: Daily}, nil
	case "WEEKLY":
		var days []int
		for _, code := range strings.Split(parts["BYDAY"], ",") {
			// Codes may carry an ordinal prefix such as 1MO.
			code = strings.TrimLeft(code, "+-0123456789")
			for i, c := range rruleDays {
				if c == code {
					days = append(days, i)
				}
			}
		}
		if len(days) == 0 {
			return Recurrence{}, fmt.Errorf("%w: weekly rule %q has no BYDAY", ErrInvalidRecurrence, rule)
		}
		return Recurrence{Type: Weekly, Weekdays: days}.Normalize(), nil
	}
	return Recurrence{}, fmt.Errorf("%w: unsupported rule %q", ErrInvalidRecurrence, rule)
}
