package agent

import (
	"fmt"
	"regexp"
	"time"

	"github.com/nugget/aide/internal/llm"
	"github.com/nugget/aide/internal/timezone"
)

// annotationPattern matches the time stamp Annotate prepends.
var annotationPattern = regexp.MustCompile(`^\[Текущее время: [^\]]*\]\n\n`)

// Annotate prefixes text with the current time in loc so the model can
// resolve relative times without a tool call. A nil loc uses the
// server's local zone.
func Annotate(now time.Time, loc *time.Location, text string) string {
	if loc != nil {
		now = now.In(loc)
	}
	return fmt.Sprintf("[Текущее время: %s, часовой пояс: %s]\n\n%s",
		now.Format("2006-01-02 15:04:05 -0700"), timezone.OffsetOf(now), text)
}

// StripStaleAnnotations returns a copy of history in which every user
// message except the newest has its time stamp removed. Stored history
// is not modified.
func StripStaleAnnotations(history []llm.Message) []llm.Message {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			last = i
			break
		}
	}

	out := make([]llm.Message, len(history))
	copy(out, history)
	for i := range out {
		if i == last || out[i].Role != llm.RoleUser {
			continue
		}
		out[i].Content = annotationPattern.ReplaceAllString(out[i].Content, "")
	}
	return out
}
