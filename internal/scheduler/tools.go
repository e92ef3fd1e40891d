package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/aide/internal/tools"
)

// RegisterTools adds create_reminder, list_reminders and
// delete_reminder to registry.
func (s *Scheduler) RegisterTools(registry *tools.Registry) error {
	defs := []*tools.Tool{
		{
			Name: "create_reminder",
			Description: "Propose a recurring reminder. At the chosen time the text is sent to you as a prompt and your answer is delivered to the user. " +
				"The user must confirm the reminder with a button before it is created.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"template": map[string]any{
						"type":        "string",
						"description": "Prompt run at the scheduled time, e.g. 'Спроси, как прошёл день'",
					},
					"schedule_type": map[string]any{
						"type":        "string",
						"enum":        []string{"daily", "weekly"},
						"description": "How often the reminder repeats",
					},
					"time": map[string]any{
						"type":        "string",
						"description": "Time of day in HH:MM, 24-hour, in the user's timezone",
					},
					"weekdays": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "integer", "minimum": 0, "maximum": 6},
						"description": "Days for weekly reminders, 0=Monday ... 6=Sunday",
					},
					"summary": map[string]any{
						"type":        "string",
						"description": "Short title (optional)",
					},
				},
				"required": []string{"template", "schedule_type", "time"},
			},
			Handler: s.handleCreate,
		},
		{
			Name:        "list_reminders",
			Description: "List the user's active recurring reminders.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     s.handleList,
		},
		{
			Name:        "delete_reminder",
			Description: "Delete one of the user's reminders by id (see list_reminders).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reminder_id": map[string]any{"type": "string", "description": "Reminder id"},
				},
				"required": []string{"reminder_id"},
			},
			Handler: s.handleDelete,
		},
	}
	for _, t := range defs {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) handleCreate(ctx context.Context, owner int64, args map[string]any) (tools.Result, error) {
	if s.auth != nil {
		ok, err := s.auth.Authorized(ctx, owner)
		if err != nil {
			return tools.Result{}, fmt.Errorf("check authorization: %w", err)
		}
		if !ok {
			return tools.AuthRequired("User is not authorized in Google. Ask user to run /auth command."), nil
		}
	}

	days := tools.Ints(args, "weekdays")
	if len(days) == 0 {
		days = tools.Ints(args, "weekday")
	}
	rec := Recurrence{
		Type:     RecurrenceType(strings.ToLower(tools.String(args, "schedule_type"))),
		Time:     tools.String(args, "time"),
		Timezone: tools.TimezoneFromContext(ctx),
		Weekdays: days,
	}

	p, err := s.Propose(ctx, owner, tools.String(args, "template"), tools.String(args, "summary"), rec)
	if errors.Is(err, ErrInvalidRecurrence) {
		return tools.Failure("invalid_reminder", err.Error()), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Confirmation(p.ID, ConfirmPrompt(p)), nil
}

func (s *Scheduler) handleList(ctx context.Context, owner int64, _ map[string]any) (tools.Result, error) {
	jobs, err := s.List(ctx, owner)
	if err != nil {
		return tools.Result{}, err
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, map[string]any{
			"id":       j.ID,
			"template": j.Payload,
			"schedule": j.Recurrence.Describe(),
			"time":     j.Recurrence.Time,
			"timezone": j.Recurrence.Timezone,
			"weekdays": j.Recurrence.Weekdays,
		})
	}
	return tools.Data(map[string]any{"success": true, "reminders": items, "count": len(items)}), nil
}

func (s *Scheduler) handleDelete(ctx context.Context, owner int64, args map[string]any) (tools.Result, error) {
	id := tools.String(args, "reminder_id")
	err := s.Remove(ctx, owner, id)
	if errors.Is(err, ErrJobNotFound) {
		return tools.Failure("not_found", fmt.Sprintf("reminder %q not found", id)), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Data(map[string]any{"success": true, "message": "Напоминание удалено."}), nil
}
