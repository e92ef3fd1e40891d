package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nugget/aide/internal/scheduler"
	"github.com/nugget/aide/internal/tools"
)

type call struct {
	name  string
	owner int64
	args  map[string]any
}

type fakeExecutor struct {
	results map[string]tools.Result
	calls   []call
}

func (f *fakeExecutor) Execute(_ context.Context, name string, owner int64, args map[string]any) (tools.Result, error) {
	f.calls = append(f.calls, call{name, owner, args})
	res, ok := f.results[name]
	if !ok {
		return tools.Result{}, &tools.ErrToolNotFound{Name: name}
	}
	return res, nil
}

func raw(s string) tools.Result { return tools.Data(json.RawMessage(s)) }

func TestReminders_ParsesTaggedSeries(t *testing.T) {
	exec := &fakeExecutor{results: map[string]tools.Result{
		"get_calendar_events": raw(`{"success":true,"count":5,"events":[
			{"id":"daily1","summary":"⏰ Спроси","start":"2025-03-01T20:00:00+05:00","description":"#reminder Спроси, как прошёл день","recurrence":["RRULE:FREQ=DAILY"]},
			{"id":"daily1_20250302T150000Z","summary":"⏰ Спроси","start":"2025-03-02T20:00:00+05:00","description":"#reminder Спроси, как прошёл день","recurrence":["RRULE:FREQ=DAILY"]},
			{"id":"gym","start":"2025-03-03T07:30:00+05:00","description":"#reminder Напомни про зал","recurrence":["EXDATE:20250310T073000","RRULE:FREQ=WEEKLY;BYDAY=FR,MO"]},
			{"id":"meeting","start":"2025-03-03T10:00:00+05:00","description":"Планёрка","recurrence":["RRULE:FREQ=DAILY"]},
			{"id":"once","start":"2025-03-03T10:00:00+05:00","description":"#reminder разово"}
		]}`),
	}}
	c := New(exec, Config{}, nil)
	c.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }

	got, err := c.Reminders(context.Background(), 7)
	if err != nil {
		t.Fatalf("Reminders: %v", err)
	}
	want := []scheduler.Imported{
		{ExternalRef: "daily1", Payload: "Спроси, как прошёл день", Recurrence: scheduler.Recurrence{Type: scheduler.Daily, Time: "20:00"}},
		{ExternalRef: "gym", Payload: "Напомни про зал", Recurrence: scheduler.Recurrence{Type: scheduler.Weekly, Time: "07:30", Weekdays: []int{0, 4}}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Reminders =\n%+v\nwant\n%+v", got, want)
	}

	args := exec.calls[0].args
	if args["single_events"] != false || args["time_min"] != "2025-03-01T00:00:00Z" || exec.calls[0].owner != 7 {
		t.Errorf("list args = %v", args)
	}
}

func TestReminders_Errors(t *testing.T) {
	tests := []struct {
		name string
		res  tools.Result
		want error
	}{
		{"auth result", tools.AuthRequired("run /auth"), ErrNotAuthorized},
		{"auth envelope", raw(`{"success":false,"error":"not_authorized","message":"x"}`), ErrNotAuthorized},
		{"api envelope", raw(`{"success":false,"error":"api_error","message":"quota"}`), ErrAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeExecutor{results: map[string]tools.Result{"get_calendar_events": tt.res}}, Config{}, nil)
			if _, err := c.Reminders(context.Background(), 1); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateReminderEvent(t *testing.T) {
	exec := &fakeExecutor{results: map[string]tools.Result{
		"create_calendar_event": raw(`{"success":true,"event":{"id":"evt42"},"message":"ok"}`),
	}}
	c := New(exec, Config{}, nil)

	loc := time.FixedZone("+05:00", 5*3600)
	start := time.Date(2025, 3, 3, 7, 30, 0, 0, loc)
	id, err := c.CreateReminderEvent(context.Background(), 7, scheduler.ReminderEvent{
		Summary:     "⏰ зал",
		Description: "#reminder Напомни про зал",
		Start:       start,
		End:         start.Add(15 * time.Minute),
		RRule:       "RRULE:FREQ=WEEKLY;BYDAY=MO,FR",
	})
	if err != nil {
		t.Fatalf("CreateReminderEvent: %v", err)
	}
	if id != "evt42" {
		t.Errorf("id = %q", id)
	}
	args := exec.calls[0].args
	if args["freq"] != "weekly" || !reflect.DeepEqual(args["freq_days"], []string{"MO", "FR"}) {
		t.Errorf("recurrence args = %v %v", args["freq"], args["freq_days"])
	}
	if args["start_time"] != "2025-03-03T07:30:00+05:00" || args["end_time"] != "2025-03-03T07:45:00+05:00" {
		t.Errorf("time args = %v %v", args["start_time"], args["end_time"])
	}
}

func TestDeleteReminderEvent_MissingToolIsError(t *testing.T) {
	c := New(&fakeExecutor{}, Config{}, nil)
	var nf *tools.ErrToolNotFound
	if err := c.DeleteReminderEvent(context.Background(), 1, "evt"); !errors.As(err, &nf) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestTimezone(t *testing.T) {
	exec := &fakeExecutor{results: map[string]tools.Result{
		"get_user_timezone": raw(`{"success":true,"timezone":"Asia/Almaty"}`),
	}}
	tz, err := New(exec, Config{}, nil).Timezone(context.Background(), 1)
	if err != nil || tz != "Asia/Almaty" {
		t.Errorf("Timezone = %q, %v", tz, err)
	}

	exec.results["get_user_timezone"] = raw(`{"success":true}`)
	tz, _ = New(exec, Config{}, nil).Timezone(context.Background(), 1)
	if tz != "UTC" {
		t.Errorf("default Timezone = %q", tz)
	}
}
