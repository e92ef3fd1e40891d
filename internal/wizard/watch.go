package wizard

import (
	"strconv"
	"strings"
	"time"
)

// WatchFlowName identifies the watcher setup dialog.
const WatchFlowName = "watch"

// Keys of the data the watch flow collects.
const (
	WatchName     = "name"
	WatchPrompt   = "prompt"
	WatchChats    = "chats"
	WatchInterval = "interval_hours"
)

// WatchFlow asks for a watcher's name, criterion, chats and interval.
func WatchFlow() *Flow {
	return &Flow{
		Name: WatchFlowName,
		Steps: []Step{
			{
				Name:   WatchName,
				Prompt: "👁 Новый мониторинг\n\nВведите название (или /cancel для отмены):",
				Accept: func(in string, data map[string]string) string {
					in = strings.TrimSpace(in)
					if in == "" {
						return "⚠️ Название не может быть пустым."
					}
					data[WatchName] = in
					return ""
				},
			},
			{
				Name:   WatchPrompt,
				Prompt: "📝 Какие сообщения искать? Опишите критерий своими словами:",
				Accept: func(in string, data map[string]string) string {
					in = strings.TrimSpace(in)
					if in == "" {
						return "⚠️ Критерий не может быть пустым."
					}
					data[WatchPrompt] = in
					return ""
				},
			},
			{
				Name:   WatchChats,
				Prompt: "📺 Перечислите чаты для мониторинга: id или @username через запятую или пробел:",
				Accept: func(in string, data map[string]string) string {
					chats := ParseChats(in)
					if len(chats) == 0 {
						return "⚠️ Укажите хотя бы один чат."
					}
					data[WatchChats] = strings.Join(chats, ",")
					return ""
				},
			},
			{
				Name:   WatchInterval,
				Prompt: "⏰ Как часто проверять? Число часов от 1 до 24 (по умолчанию 3):",
				Accept: func(in string, data map[string]string) string {
					h, ok := ParseHours(in, 3)
					if !ok {
						return "⚠️ Нужно число от 1 до 24."
					}
					data[WatchInterval] = strconv.Itoa(h)
					return ""
				},
			},
		},
	}
}

// ParseHours reads an interval answer such as "6" or "6ч". An empty
// answer or "-" means def. ok is false outside 1..24.
func ParseHours(in string, def int) (hours int, ok bool) {
	in = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(in), "ч"))
	if in == "" || in == "-" {
		return def, true
	}
	h, err := strconv.Atoi(in)
	if err != nil || h < 1 || h > 24 {
		return 0, false
	}
	return h, true
}

// ParseChats splits a list of chat references on commas and
// whitespace, dropping duplicates.
func ParseChats(in string) []string {
	fields := strings.FieldsFunc(in, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// WatchResult decodes the data a completed watch flow collected.
func WatchResult(data map[string]string) (name, prompt string, chats []string, interval time.Duration) {
	hours, err := strconv.Atoi(data[WatchInterval])
	if err != nil || hours <= 0 {
		hours = 3
	}
	return data[WatchName], data[WatchPrompt], ParseChats(data[WatchChats]), time.Duration(hours) * time.Hour
}
