package wizard

import (
	"strconv"
	"strings"
	"time"
)

// SummaryFlowName identifies the summary group setup dialog.
const SummaryFlowName = "summary"

// Keys of the data the summary flow collects.
const (
	SummaryName     = "name"
	SummaryChannels = "channels"
	SummaryPrompt   = "prompt"
	SummaryInterval = "interval_hours"
)

// SummaryFlow asks for a summary group's name, channels, prompt and
// interval.
func SummaryFlow() *Flow {
	return &Flow{
		Name: SummaryFlowName,
		Steps: []Step{
			{
				Name:   SummaryName,
				Prompt: "➕ Создание саммари-группы\n\nВведите название группы (или /cancel для отмены):",
				Accept: func(in string, data map[string]string) string {
					in = strings.TrimSpace(in)
					if in == "" {
						return "⚠️ Название не может быть пустым."
					}
					data[SummaryName] = in
					return ""
				},
			},
			{
				Name:   SummaryChannels,
				Prompt: "📺 Перечислите каналы или группы: id или @username через запятую или пробел:",
				Accept: func(in string, data map[string]string) string {
					chats := ParseChats(in)
					if len(chats) == 0 {
						return "⚠️ Выберите хотя бы один чат."
					}
					data[SummaryChannels] = strings.Join(chats, ",")
					return ""
				},
			},
			{
				Name:   SummaryPrompt,
				Prompt: "📝 Введите промпт для генерации саммари:",
				Accept: func(in string, data map[string]string) string {
					in = strings.TrimSpace(in)
					if in == "" {
						return "⚠️ Промпт не может быть пустым."
					}
					data[SummaryPrompt] = in
					return ""
				},
			},
			{
				Name:   SummaryInterval,
				Prompt: "⏰ Как часто присылать саммари? Число часов от 1 до 24 (по умолчанию 6):",
				Accept: func(in string, data map[string]string) string {
					h, ok := ParseHours(in, 6)
					if !ok {
						return "⚠️ Нужно число от 1 до 24."
					}
					data[SummaryInterval] = strconv.Itoa(h)
					return ""
				},
			},
		},
	}
}

// SummaryResult decodes the data a completed summary flow collected.
func SummaryResult(data map[string]string) (name, prompt string, channels []string, interval time.Duration) {
	hours, err := strconv.Atoi(data[SummaryInterval])
	if err != nil || hours <= 0 {
		hours = 6
	}
	return data[SummaryName], data[SummaryPrompt], ParseChats(data[SummaryChannels]), time.Duration(hours) * time.Hour
}
