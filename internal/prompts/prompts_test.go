package prompts

import (
	"strings"
	"testing"
)

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("Asia/Almaty", false)
	if !strings.Contains(p, "The user's timezone is Asia/Almaty.") {
		t.Error("prompt should carry the timezone")
	}
	if !strings.Contains(p, "respond_to_user") {
		t.Error("prompt should mandate the terminal tool")
	}
	if !strings.Contains(p, "Markdown is strictly prohibited") {
		t.Error("plain prompt should forbid markdown")
	}

	if got := SystemPrompt("", true); !strings.Contains(got, "timezone is unknown.") || !strings.Contains(got, "Light Markdown") {
		t.Error("markdown prompt with unknown timezone is wrong")
	}
}

func TestSystemPrompt_Deterministic(t *testing.T) {
	if SystemPrompt("+05:00", false) != SystemPrompt("+05:00", false) {
		t.Error("same inputs must give the same prompt so stored copies are not rewritten")
	}
}

func TestWatcherFilterPrompt(t *testing.T) {
	sys, user := WatcherFilterPrompt("продажа велосипеда", []string{"[Chat] Ann: hi (2025-01-01)", "[Chat] Bob: selling bike (2025-01-02)"})
	if !strings.Contains(sys, "JSON-массив") {
		t.Error("system prompt should ask for a JSON array")
	}
	want := "Критерий: продажа велосипеда\n\nСообщения:\n1. [Chat] Ann: hi (2025-01-01)\n2. [Chat] Bob: selling bike (2025-01-02)\n\nОтветь ТОЛЬКО JSON-массивом номеров: [1, 3, 5]"
	if user != want {
		t.Errorf("user prompt =\n%s\nwant\n%s", user, want)
	}
}

func TestSummaryPrompt(t *testing.T) {
	_, user := SummaryPrompt("user: привет")
	if user != "Суммаризируй:\n\nuser: привет" {
		t.Errorf("user = %q", user)
	}
}

func TestDigestChannelPrompt(t *testing.T) {
	sys, user := DigestChannelPrompt("Новости", "главные события", "ann: привет", false)
	if !strings.Contains(sys, "'Новости'") || !strings.Contains(sys, "Задача от пользователя: главные события") {
		t.Errorf("full system prompt = %q", sys)
	}
	if user != "История сообщений:\n\nann: привет" {
		t.Errorf("user prompt = %q", user)
	}

	sys, _ = DigestChannelPrompt("Новости", "главные события", "x", true)
	if strings.Contains(sys, "главные события") || !strings.Contains(sys, "часть истории") {
		t.Errorf("partial system prompt = %q", sys)
	}
}
