// Package timezone parses the timezone strings owners and calendars
// hand us: IANA names ("Asia/Almaty") or fixed offsets ("+05:00").
package timezone

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// Containers often ship without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// Parse returns the location named by s. Accepted forms are IANA
// names, "UTC"/"Z", and offsets "+HH:MM", "+HHMM", "+HH", optionally
// prefixed with "UTC" or "GMT".
func Parse(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "UNKNOWN":
		return nil, fmt.Errorf("empty timezone")
	case "UTC", "Z", "GMT":
		return time.UTC, nil
	}

	if off, ok := parseOffset(s); ok {
		return time.FixedZone(FormatOffset(off), off), nil
	}

	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", s)
	}
	return loc, nil
}

// ParseOr returns Parse(s), or fallback when s does not parse.
func ParseOr(s string, fallback *time.Location) *time.Location {
	if loc, err := Parse(s); err == nil {
		return loc
	}
	return fallback
}

// FormatOffset renders seconds east of UTC as "+HH:MM".
func FormatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, seconds%3600/60)
}

// OffsetOf returns the "+HH:MM" offset of t's zone at t.
func OffsetOf(t time.Time) string {
	_, off := t.Zone()
	return FormatOffset(off)
}

func parseOffset(s string) (int, bool) {
	u := strings.ToUpper(s)
	for _, p := range []string{"UTC", "GMT"} {
		if strings.HasPrefix(u, p) {
			s = s[len(p):]
			break
		}
	}
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, false
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := strings.ReplaceAll(s[1:], ":", "")

	var hh, mm string
	switch len(body) {
	case 1, 2:
		hh = body
	case 4:
		hh, mm = body[:2], body[2:]
	default:
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h > 14 {
		return 0, false
	}
	m := 0
	if mm != "" {
		if m, err = strconv.Atoi(mm); err != nil || m > 59 {
			return 0, false
		}
	}
	return sign * (h*3600 + m*60), true
}
