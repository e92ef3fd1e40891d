package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/aide/internal/summary"
	"github.com/nugget/aide/internal/wizard"
)

// Summaries manages channel summary groups. The real implementation is
// *summary.Service.
type Summaries interface {
	List(ctx context.Context, owner int64) ([]*summary.Group, error)
	Create(ctx context.Context, owner int64, name, prompt string, channels []string, interval time.Duration) (*summary.Group, error)
	Delete(ctx context.Context, owner int64, id string) error
	AddChannel(ctx context.Context, owner int64, id, channel string) (*summary.Group, error)
	RemoveChannel(ctx context.Context, owner int64, id, channel string) (*summary.Group, error)
	SetInterval(ctx context.Context, owner int64, id string, interval time.Duration) (*summary.Group, error)
}

const (
	summariesUnavailable = "⚠️ Саммари недоступны."
	summaryNotFound      = "⚠️ Группа не найдена."
	summariesUsage       = "Команды саммари-групп:\n" +
		"/summaries — список групп\n" +
		"/summaries new — создать группу\n" +
		"/summaries add <номер> <чат> — добавить чат\n" +
		"/summaries remove <номер> <чат> — убрать чат\n" +
		"/summaries interval <номер> <часы> — интервал от 1 до 24 ч\n" +
		"/summaries delete <номер> — удалить группу"
)

// summaryIntervals are the choices offered on the interval keyboard.
var summaryIntervals = []int{1, 3, 6, 12, 24}

func (b *Bridge) cmdSummaries(ctx context.Context, chatID, owner int64, arg string) {
	if b.config.Summaries == nil {
		b.sendPlain(ctx, chatID, summariesUnavailable, nil)
		return
	}
	sub, rest, _ := strings.Cut(arg, " ")
	sub = strings.ToLower(sub)
	args := strings.Fields(rest)

	switch sub {
	case "":
		b.listSummaries(ctx, chatID, owner)
	case "new":
		b.startSummaryDialog(ctx, chatID, owner)
	case "add", "remove":
		if len(args) < 2 {
			b.sendPlain(ctx, chatID, summariesUsage, nil)
			return
		}
		b.sendPlain(ctx, chatID, b.editSummaryChannels(ctx, owner, args[0], args[1:], sub == "add"), nil)
	case "interval":
		if len(args) != 2 {
			b.sendPlain(ctx, chatID, summariesUsage, nil)
			return
		}
		g, text := b.summaryByNumber(ctx, owner, args[0])
		if g == nil {
			b.sendPlain(ctx, chatID, text, nil)
			return
		}
		hours, ok := wizard.ParseHours(args[1], 0)
		if !ok || hours == 0 {
			b.sendPlain(ctx, chatID, "⚠️ Нужно число от 1 до 24.", nil)
			return
		}
		b.sendPlain(ctx, chatID, b.setSummaryInterval(ctx, owner, g.ID, hours), nil)
	case "delete":
		if len(args) != 1 {
			b.sendPlain(ctx, chatID, summariesUsage, nil)
			return
		}
		g, text := b.summaryByNumber(ctx, owner, args[0])
		if g == nil {
			b.sendPlain(ctx, chatID, text, nil)
			return
		}
		b.sendPlain(ctx, chatID, b.deleteSummary(ctx, owner, g.ID), nil)
	default:
		b.sendPlain(ctx, chatID, summariesUsage, nil)
	}
}

func (b *Bridge) listSummaries(ctx context.Context, chatID, owner int64) {
	groups, err := b.config.Summaries.List(ctx, owner)
	if err != nil {
		b.logger.Error("list summary groups failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	createRow := []InlineKeyboardButton{{Text: "➕ Создать группу", CallbackData: cbSummaryNew}}
	if len(groups) == 0 {
		b.sendPlain(ctx, chatID, "📊 У вас пока нет саммари-групп.",
			&InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{createRow}})
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 Ваши саммари-группы:\n")
	var rows [][]InlineKeyboardButton
	for i, g := range groups {
		fmt.Fprintf(&sb, "\n%d. 📁 %s (%s, %d кан.)\n   📝 %s\n   📺 %s\n",
			i+1, g.Name, formatInterval(g.Interval), len(g.Channels), shortPrompt(g.Prompt), channelList(g.Channels))
		rows = append(rows, []InlineKeyboardButton{
			{Text: fmt.Sprintf("⏰ Интервал %d", i+1), CallbackData: cbSummaryInterval + g.ID},
			{Text: fmt.Sprintf("🗑 Удалить %d", i+1), CallbackData: cbSummaryDelete + g.ID},
		})
	}
	sb.WriteString("\nЧаты: /summaries add <номер> <чат> или /summaries remove <номер> <чат>")
	rows = append(rows, createRow)
	b.sendPlain(ctx, chatID, sb.String(), &InlineKeyboardMarkup{InlineKeyboard: rows})
}

// summaryByNumber resolves a 1-based position in the owner's list. A
// nil group comes with the text to show instead.
func (b *Bridge) summaryByNumber(ctx context.Context, owner int64, number string) (*summary.Group, string) {
	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, summariesUsage
	}
	groups, err := b.config.Summaries.List(ctx, owner)
	if err != nil {
		b.logger.Error("list summary groups failed", "owner", owner, "error", err)
		return nil, errorMessage
	}
	if n < 1 || n > len(groups) {
		return nil, summaryNotFound
	}
	return groups[n-1], ""
}

func (b *Bridge) startSummaryDialog(ctx context.Context, chatID, owner int64) {
	if b.config.Dialogs == nil {
		b.sendPlain(ctx, chatID, summariesUnavailable, nil)
		return
	}
	prompt, err := b.config.Dialogs.Start(ctx, owner, wizard.SummaryFlowName)
	if err != nil {
		b.logger.Error("start summary dialog failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	b.sendPlain(ctx, chatID, prompt, nil)
}

func (b *Bridge) finishSummary(ctx context.Context, chatID, owner int64, data map[string]string) {
	if b.config.Summaries == nil {
		b.sendPlain(ctx, chatID, summariesUnavailable, nil)
		return
	}
	name, prompt, channels, interval := wizard.SummaryResult(data)
	g, err := b.config.Summaries.Create(ctx, owner, name, prompt, channels, interval)
	if err != nil {
		b.logger.Error("summary group create failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Не удалось создать группу: "+err.Error(), nil)
		return
	}
	b.sendPlain(ctx, chatID, "✅ Группа создана!\n\n"+describeSummary(g), nil)
}

func (b *Bridge) editSummaryChannels(ctx context.Context, owner int64, number string, channels []string, add bool) string {
	g, text := b.summaryByNumber(ctx, owner, number)
	if g == nil {
		return text
	}
	var skipped []string
	for _, ch := range channels {
		var (
			updated *summary.Group
			err     error
		)
		if add {
			updated, err = b.config.Summaries.AddChannel(ctx, owner, g.ID, ch)
		} else {
			updated, err = b.config.Summaries.RemoveChannel(ctx, owner, g.ID, ch)
		}
		switch {
		case errors.Is(err, summary.ErrChannelPresent), errors.Is(err, summary.ErrChannelMissing), errors.Is(err, summary.ErrInvalid):
			skipped = append(skipped, ch)
			continue
		case errors.Is(err, summary.ErrNotFound):
			return summaryNotFound
		case err != nil:
			b.logger.Error("summary channel edit failed", "owner", owner, "channel", ch, "error", err)
			return errorMessage
		}
		g = updated
	}
	text = describeSummary(g)
	if len(skipped) > 0 {
		text += "\n\n⚠️ Без изменений: " + strings.Join(skipped, ", ")
	}
	return text
}

func (b *Bridge) setSummaryInterval(ctx context.Context, owner int64, id string, hours int) string {
	g, err := b.config.Summaries.SetInterval(ctx, owner, id, time.Duration(hours)*time.Hour)
	switch {
	case errors.Is(err, summary.ErrNotFound):
		return summaryNotFound
	case errors.Is(err, summary.ErrInvalid):
		return "⚠️ Нужно число от 1 до 24."
	case err != nil:
		b.logger.Error("summary interval update failed", "owner", owner, "group", id, "error", err)
		return errorMessage
	}
	return describeSummary(g)
}

func (b *Bridge) deleteSummary(ctx context.Context, owner int64, id string) string {
	if b.config.Summaries == nil {
		return summariesUnavailable
	}
	err := b.config.Summaries.Delete(ctx, owner, id)
	if errors.Is(err, summary.ErrNotFound) {
		return summaryNotFound
	}
	if err != nil {
		b.logger.Error("summary group delete failed", "owner", owner, "group", id, "error", err)
		return errorMessage
	}
	return "🗑 Группа удалена."
}

// handleSummaryCallback serves the buttons of /summaries. It returns
// the text replacing the pressed message, or "" to leave it.
func (b *Bridge) handleSummaryCallback(ctx context.Context, chatID, owner int64, data string) string {
	if b.config.Summaries == nil {
		return summariesUnavailable
	}
	switch {
	case data == cbSummaryNew:
		b.startSummaryDialog(ctx, chatID, owner)
	case strings.HasPrefix(data, cbSummaryDelete):
		return b.deleteSummary(ctx, owner, strings.TrimPrefix(data, cbSummaryDelete))
	case strings.HasPrefix(data, cbSummaryInterval):
		id := strings.TrimPrefix(data, cbSummaryInterval)
		var row []InlineKeyboardButton
		for _, h := range summaryIntervals {
			row = append(row, InlineKeyboardButton{
				Text:         fmt.Sprintf("%dч", h),
				CallbackData: fmt.Sprintf("%s%s:%d", cbSummarySetInterval, id, h),
			})
		}
		b.sendPlain(ctx, chatID, "⏰ Выберите интервал генерации:",
			&InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{row}})
	case strings.HasPrefix(data, cbSummarySetInterval):
		id, h, ok := strings.Cut(strings.TrimPrefix(data, cbSummarySetInterval), ":")
		hours, err := strconv.Atoi(h)
		if !ok || err != nil {
			return ""
		}
		return b.setSummaryInterval(ctx, owner, id, hours)
	}
	return ""
}

func describeSummary(g *summary.Group) string {
	return fmt.Sprintf("📁 %s\n\n📝 Промпт: %s\n\n📺 Каналы: %s\n\n⏰ Интервал: %s",
		g.Name, shortPrompt(g.Prompt), channelList(g.Channels), formatInterval(g.Interval))
}

func shortPrompt(p string) string {
	r := []rune(p)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return p
}

func channelList(channels []string) string {
	if len(channels) == 0 {
		return "нет"
	}
	return strings.Join(channels, ", ")
}
