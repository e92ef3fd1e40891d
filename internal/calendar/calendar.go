// Package calendar reads and writes the owner's Google Calendar through
// the remote tool server. It mirrors confirmed reminders as tagged
// recurring events and reads them back for the daily reconcile.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/aide/internal/scheduler"
	"github.com/nugget/aide/internal/tools"
)

var (
	// ErrNotAuthorized means the owner has not connected Google.
	ErrNotAuthorized = errors.New("calendar not authorized")

	// ErrAPI wraps a failure reported by the tool server.
	ErrAPI = errors.New("calendar api error")
)

// Executor runs a registered tool for an owner. *tools.Registry
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, name string, owner int64, args map[string]any) (tools.Result, error)
}

// Config names the remote tools and the reminder tag.
type Config struct {
	// Tag marks reminder events; their description starts with it.
	Tag string

	// MaxResults bounds one event listing.
	MaxResults int

	EventsTool   string
	CreateTool   string
	DeleteTool   string
	TimezoneTool string
}

// DefaultConfig returns the tool names the Google tool server uses.
func DefaultConfig() Config {
	return Config{
		Tag:          "#reminder",
		MaxResults:   250,
		EventsTool:   "get_calendar_events",
		CreateTool:   "create_calendar_event",
		DeleteTool:   "delete_calendar_event",
		TimezoneTool: "get_user_timezone",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Tag == "" {
		c.Tag = d.Tag
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.EventsTool == "" {
		c.EventsTool = d.EventsTool
	}
	if c.CreateTool == "" {
		c.CreateTool = d.CreateTool
	}
	if c.DeleteTool == "" {
		c.DeleteTool = d.DeleteTool
	}
	if c.TimezoneTool == "" {
		c.TimezoneTool = d.TimezoneTool
	}
}

// Event is a calendar event as the tool server reports it.
type Event struct {
	ID          string   `json:"id"`
	Summary     string   `json:"summary"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Description string   `json:"description"`
	Recurrence  []string `json:"recurrence"`
}

// Client talks to the calendar through remote tools.
type Client struct {
	exec   Executor
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a calendar client.
func New(exec Executor, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Client{
		exec:   exec,
		config: cfg,
		logger: logger.With("component", "calendar"),
		now:    time.Now,
	}
}

var _ scheduler.Calendar = (*Client)(nil)

// envelope is the JSON shape every tool server response shares.
type envelope struct {
	Success  *bool   `json:"success"`
	Error    string  `json:"error"`
	Message  string  `json:"message"`
	Events   []Event `json:"events"`
	Event    *Event  `json:"event"`
	Timezone string  `json:"timezone"`
	Value    string  `json:"value"`
}

// call executes tool and decodes its envelope.
func (c *Client) call(ctx context.Context, tool string, owner int64, args map[string]any) (*envelope, error) {
	res, err := c.exec.Execute(ctx, tool, owner, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	switch res.Kind {
	case tools.KindAuthRequired:
		return nil, ErrNotAuthorized
	case tools.KindError:
		return nil, fmt.Errorf("%w: %s: %s %s", ErrAPI, tool, res.ErrKind, res.Detail)
	case tools.KindData:
	default:
		return nil, fmt.Errorf("%s: unexpected result %s", tool, res.Kind)
	}

	var raw []byte
	switch d := res.Data.(type) {
	case json.RawMessage:
		raw = d
	case string:
		raw = []byte(d)
	default:
		if raw, err = json.Marshal(d); err != nil {
			return nil, fmt.Errorf("%s: encode result: %w", tool, err)
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", tool, err)
	}
	if env.Success != nil && !*env.Success {
		if env.Error == tools.NotAuthorized {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrAPI, tool, env.Message)
	}
	return &env, nil
}

// Events lists upcoming events. Recurring events come back once, as
// their series, not as individual instances.
func (c *Client) Events(ctx context.Context, owner int64) ([]Event, error) {
	env, err := c.call(ctx, c.config.EventsTool, owner, map[string]any{
		"max_results":   c.config.MaxResults,
		"time_min":      c.now().UTC().Format(time.RFC3339),
		"single_events": false,
	})
	if err != nil {
		return nil, err
	}
	return dedupe(env.Events), nil
}

// dedupe collapses expanded instances ("<base>_<timestamp>") onto
// their series, keeping the first seen.
func dedupe(events []Event) []Event {
	seen := make(map[string]bool, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		base, _, _ := strings.Cut(ev.ID, "_")
		if seen[base] {
			continue
		}
		seen[base] = true
		ev.ID = base
		out = append(out, ev)
	}
	return out
}

// Reminders implements scheduler.Calendar. Events that are not tagged,
// not recurring or have no usable start time are skipped.
func (c *Client) Reminders(ctx context.Context, owner int64) ([]scheduler.Imported, error) {
	events, err := c.Events(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []scheduler.Imported
	for _, ev := range events {
		imp, ok := c.parseReminder(ev)
		if !ok {
			continue
		}
		out = append(out, imp)
	}
	c.logger.Debug("read calendar reminders", "owner", owner, "events", len(events), "reminders", len(out))
	return out, nil
}

func (c *Client) parseReminder(ev Event) (scheduler.Imported, bool) {
	desc := strings.TrimSpace(ev.Description)
	if !strings.HasPrefix(desc, c.config.Tag) {
		return scheduler.Imported{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(desc, c.config.Tag))
	if payload == "" {
		return scheduler.Imported{}, false
	}

	var rec scheduler.Recurrence
	found := false
	for _, line := range ev.Recurrence {
		r, err := scheduler.ParseRRule(line)
		if err == nil {
			rec, found = r, true
			break
		}
	}
	if !found {
		c.logger.Debug("tagged event has no usable recurrence", "event", ev.ID)
		return scheduler.Imported{}, false
	}

	start, err := time.Parse(time.RFC3339, ev.Start)
	if err != nil {
		c.logger.Debug("tagged event has no start time", "event", ev.ID, "start", ev.Start)
		return scheduler.Imported{}, false
	}
	// The start carries the event's own offset, so its clock reading
	// is the wall-clock time the owner chose.
	rec.Time = start.Format("15:04")

	return scheduler.Imported{ExternalRef: ev.ID, Payload: payload, Recurrence: rec}, true
}

// rruleFreq splits an RRULE into the freq/freq_days arguments the
// create tool takes.
func rruleFreq(rule string) (string, []string) {
	rule = strings.TrimPrefix(rule, "RRULE:")
	var freq string
	var days []string
	for _, part := range strings.Split(rule, ";") {
		k, v, _ := strings.Cut(part, "=")
		switch k {
		case "FREQ":
			freq = strings.ToLower(v)
		case "BYDAY":
			days = strings.Split(v, ",")
		}
	}
	return freq, days
}

// CreateReminderEvent implements scheduler.Calendar.
func (c *Client) CreateReminderEvent(ctx context.Context, owner int64, ev scheduler.ReminderEvent) (string, error) {
	args := map[string]any{
		"summary":     ev.Summary,
		"description": ev.Description,
		"start_time":  ev.Start.Format(time.RFC3339),
		"end_time":    ev.End.Format(time.RFC3339),
	}
	if freq, days := rruleFreq(ev.RRule); freq != "" {
		args["freq"] = freq
		if len(days) > 0 {
			args["freq_days"] = days
		}
	}
	env, err := c.call(ctx, c.config.CreateTool, owner, args)
	if err != nil {
		return "", err
	}
	if env.Event == nil || env.Event.ID == "" {
		return "", fmt.Errorf("%w: %s returned no event id", ErrAPI, c.config.CreateTool)
	}
	c.logger.Info("reminder event created", "owner", owner, "event", env.Event.ID)
	return env.Event.ID, nil
}

// DeleteReminderEvent implements scheduler.Calendar.
func (c *Client) DeleteReminderEvent(ctx context.Context, owner int64, eventID string) error {
	_, err := c.call(ctx, c.config.DeleteTool, owner, map[string]any{"event_id": eventID})
	return err
}

// Timezone returns the timezone configured in the owner's calendar.
func (c *Client) Timezone(ctx context.Context, owner int64) (string, error) {
	env, err := c.call(ctx, c.config.TimezoneTool, owner, nil)
	if err != nil {
		return "", err
	}
	tz := env.Timezone
	if tz == "" {
		tz = env.Value
	}
	if tz == "" {
		tz = "UTC"
	}
	return tz, nil
}
