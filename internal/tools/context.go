package tools

import "context"

type contextKey string

const timezoneKey contextKey = "timezone"

// WithTimezone records the caller's timezone for tools that interpret
// wall-clock times.
func WithTimezone(ctx context.Context, tz string) context.Context {
	if tz == "" {
		return ctx
	}
	return context.WithValue(ctx, timezoneKey, tz)
}

// TimezoneFromContext returns the caller's timezone, or "" if unknown.
func TimezoneFromContext(ctx context.Context) string {
	tz, _ := ctx.Value(timezoneKey).(string)
	return tz
}
