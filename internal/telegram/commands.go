package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/aide/internal/scheduler"
	"github.com/nugget/aide/internal/usage"
	"github.com/nugget/aide/internal/watcher"
	"github.com/nugget/aide/internal/wizard"
)

// parseCommand splits "/cmd@bot arg" into "cmd" and "arg".
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	cmd, arg, _ = strings.Cut(text, " ")
	cmd = strings.TrimPrefix(cmd, "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (b *Bridge) handleCommand(ctx context.Context, chatID int64, from *User, text string) {
	owner := from.ID
	cmd, arg := parseCommand(text)
	b.logger.Debug("telegram command", "owner", owner, "command", cmd)

	switch cmd {
	case "start":
		name := from.FirstName
		if name == "" {
			name = "друг"
		}
		b.sendPlain(ctx, chatID, fmt.Sprintf("👋 Привет, %s!\n\n"+
			"Я — твой персональный ассистент для управления календарём и задачами.\n\n"+
			"Команды:\n"+
			"/auth — авторизация в Google\n"+
			"/reminders — мои напоминания\n"+
			"/watchers — мониторинг чатов\n"+
			"/summaries — саммари каналов\n"+
			"/clear — очистить историю диалога\n\n"+
			"💬 Или просто напиши, что тебе нужно!", name), nil)

	case "help":
		b.sendPlain(ctx, chatID, helpMessage, nil)

	case "clear":
		if b.config.History != nil {
			if err := b.config.History.Clear(ctx, owner); err != nil {
				b.logger.Error("clear history failed", "owner", owner, "error", err)
				b.sendPlain(ctx, chatID, errorMessage, nil)
				return
			}
		}
		b.sendPlain(ctx, chatID, clearMessage, nil)

	case "auth":
		b.cmdAuth(ctx, chatID, owner)

	case "logout":
		b.cmdLogout(ctx, chatID, owner)

	case "timezone":
		b.cmdTimezone(ctx, chatID, owner, arg)

	case "usage":
		b.cmdUsage(ctx, chatID, owner)

	case "reminders":
		b.cmdReminders(ctx, chatID, owner)

	case "confirm":
		b.sendPlain(ctx, chatID, b.confirmReminder(ctx, owner, arg), nil)

	case "reject":
		b.sendPlain(ctx, chatID, b.rejectReminder(ctx, owner, arg), nil)

	case "watchers":
		b.cmdWatchers(ctx, chatID, owner)

	case "summaries":
		b.cmdSummaries(ctx, chatID, owner, arg)

	case "watch":
		if b.config.Dialogs == nil || b.config.Watchers == nil {
			b.sendPlain(ctx, chatID, "⚠️ Мониторинг недоступен.", nil)
			return
		}
		prompt, err := b.config.Dialogs.Start(ctx, owner, wizard.WatchFlowName)
		if err != nil {
			b.logger.Error("start watch dialog failed", "owner", owner, "error", err)
			b.sendPlain(ctx, chatID, errorMessage, nil)
			return
		}
		b.sendPlain(ctx, chatID, prompt, nil)

	case "cancel":
		if b.config.Dialogs != nil {
			if err := b.config.Dialogs.Cancel(ctx, owner); err != nil {
				b.logger.Warn("cancel dialog failed", "owner", owner, "error", err)
			}
		}
		b.sendPlain(ctx, chatID, "❌ Отменено.", nil)

	default:
		// Unknown commands are ordinary requests to the model.
		if b.advanceDialog(ctx, chatID, owner, text) {
			return
		}
		b.runTurn(ctx, chatID, owner, text)
	}
}

func (b *Bridge) cmdAuth(ctx context.Context, chatID, owner int64) {
	auth := b.config.Auth
	if auth == nil {
		b.sendPlain(ctx, chatID, "⚠️ Google OAuth не настроен.\nОбратитесь к администратору бота.", nil)
		return
	}
	ok, err := auth.Authorized(ctx, owner)
	if err != nil {
		b.logger.Error("auth check failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Ошибка авторизации. Попробуйте позже.", nil)
		return
	}
	if ok {
		b.sendPlain(ctx, chatID, "✅ Вы уже авторизованы в Google!\n\n"+
			"Если хотите переавторизоваться, сначала отвяжите аккаунт командой /logout и повторите команду /auth.", nil)
		return
	}

	url, err := auth.AuthURL(ctx, owner)
	if err != nil {
		b.logger.Error("auth url failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Ошибка авторизации. Попробуйте позже.", nil)
		return
	}
	b.sendPlain(ctx, chatID, "🔐 Авторизация в Google\n\n"+
		"Нажмите кнопку ниже, чтобы войти в Google.\n"+
		"После подтверждения вы автоматически вернётесь сюда.",
		&InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{{Text: "🔗 Войти в Google", URL: url}}}})

	if b.config.QRCode == nil {
		return
	}
	png, err := b.config.QRCode(url)
	if err != nil {
		b.logger.Warn("qr code render failed", "error", err)
		return
	}
	if err := b.client.SendPhoto(ctx, chatID, png, "📱 Или отсканируйте QR-код на другом устройстве.", nil); err != nil {
		b.logger.Warn("qr code send failed", "error", err)
	}
}

func (b *Bridge) cmdLogout(ctx context.Context, chatID, owner int64) {
	if b.config.Auth == nil {
		b.sendPlain(ctx, chatID, "⚠️ Google OAuth не настроен.", nil)
		return
	}
	if err := b.config.Auth.Revoke(ctx, owner); err != nil {
		b.logger.Error("revoke failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	b.sendPlain(ctx, chatID, "🔓 Аккаунт Google отвязан. Чтобы подключить снова, выполните /auth.", nil)
}

func (b *Bridge) cmdTimezone(ctx context.Context, chatID, owner int64, arg string) {
	if b.config.Timezones == nil {
		b.sendPlain(ctx, chatID, "⚠️ Ошибка при обновлении часового пояса.", nil)
		return
	}

	tz := arg
	if tz == "" {
		if b.config.TimezoneSource == nil {
			b.sendPlain(ctx, chatID, "Укажите часовой пояс, например: /timezone Europe/Moscow или /timezone +03:00", nil)
			return
		}
		var err error
		tz, err = b.config.TimezoneSource.Timezone(ctx, owner)
		if calendarUnauthorized(err) {
			b.sendPlain(ctx, chatID, "⚠️ Требуется авторизация в Google.\nВыполните /auth для авторизации.", nil)
			return
		}
		if err != nil {
			b.logger.Error("calendar timezone lookup failed", "owner", owner, "error", err)
			b.sendPlain(ctx, chatID, "⚠️ Ошибка при обновлении часового пояса.", nil)
			return
		}
	}

	saved, err := b.config.Timezones.Set(ctx, owner, tz)
	if err != nil {
		b.logger.Warn("timezone rejected", "owner", owner, "timezone", tz, "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Неизвестный часовой пояс. Пример: /timezone Europe/Moscow или /timezone +03:00", nil)
		return
	}
	b.sendPlain(ctx, chatID, "✅ Часовой пояс обновлён\n\n🌍 Текущий часовой пояс: "+saved, nil)
}

func (b *Bridge) cmdReminders(ctx context.Context, chatID, owner int64) {
	if b.config.Reminders == nil {
		b.sendPlain(ctx, chatID, "⚠️ Напоминания недоступны.", nil)
		return
	}
	jobs, err := b.config.Reminders.List(ctx, owner)
	if err != nil {
		b.logger.Error("list reminders failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	if len(jobs) == 0 {
		b.sendPlain(ctx, chatID, "⏰ У вас нет напоминаний.\n\nНапишите, например: «Напоминай каждый день в 20:00 спросить, как прошёл день».", nil)
		return
	}

	var sb strings.Builder
	sb.WriteString("⏰ Ваши напоминания:\n")
	var rows [][]InlineKeyboardButton
	for i, j := range jobs {
		fmt.Fprintf(&sb, "\n%d. %s\n   %s (%s)\n", i+1, j.Payload, j.Recurrence.Describe(), j.Recurrence.Timezone)
		rows = append(rows, []InlineKeyboardButton{{
			Text:         fmt.Sprintf("🗑 Удалить %d", i+1),
			CallbackData: cbDeleteReminder + j.ID,
		}})
	}
	b.sendPlain(ctx, chatID, sb.String(), &InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bridge) cmdWatchers(ctx context.Context, chatID, owner int64) {
	if b.config.Watchers == nil {
		b.sendPlain(ctx, chatID, "⚠️ Мониторинг недоступен.", nil)
		return
	}
	ws, err := b.config.Watchers.List(ctx, owner)
	if err != nil {
		b.logger.Error("list watchers failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	if len(ws) == 0 {
		b.sendPlain(ctx, chatID, "👁 У вас нет мониторингов.\n\nСоздайте первый командой /watch.", nil)
		return
	}

	var sb strings.Builder
	sb.WriteString("👁 Ваши мониторинги:\n")
	var rows [][]InlineKeyboardButton
	for i, w := range ws {
		fmt.Fprintf(&sb, "\n%d. %s\n   🔍 %s\n   📺 %s, каждые %s\n",
			i+1, w.Name, w.Prompt, strings.Join(w.ChatIDs, ", "), formatInterval(w.Interval))
		rows = append(rows, []InlineKeyboardButton{{
			Text:         fmt.Sprintf("🗑 Удалить %d", i+1),
			CallbackData: cbDeleteWatcher + w.ID,
		}})
	}
	b.sendPlain(ctx, chatID, sb.String(), &InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bridge) confirmReminder(ctx context.Context, owner int64, id string) string {
	if b.config.Reminders == nil {
		return "⚠️ Напоминания недоступны."
	}
	if id == "" {
		return "Укажите код подтверждения: /confirm <id>"
	}
	job, err := b.config.Reminders.Confirm(ctx, owner, id)
	switch {
	case errors.Is(err, scheduler.ErrConfirmationExpired):
		return scheduler.ExpiredMessage
	case errors.Is(err, scheduler.ErrForeignConfirmation):
		return scheduler.ForeignMessage
	case calendarUnauthorized(err):
		return "⚠️ Требуется авторизация в Google.\nВыполните /auth для авторизации."
	case err != nil:
		b.logger.Error("reminder confirm failed", "owner", owner, "pending", id, "error", err)
		return "⚠️ Ошибка при создании напоминания: " + err.Error()
	}
	return scheduler.ConfirmedMessage(job)
}

func (b *Bridge) rejectReminder(ctx context.Context, owner int64, id string) string {
	if b.config.Reminders == nil {
		return "⚠️ Напоминания недоступны."
	}
	err := b.config.Reminders.Reject(ctx, owner, id)
	if errors.Is(err, scheduler.ErrForeignConfirmation) {
		return scheduler.ForeignMessage
	}
	if err != nil {
		b.logger.Error("reminder reject failed", "owner", owner, "pending", id, "error", err)
		return errorMessage
	}
	return scheduler.CancelledMessage
}

func (b *Bridge) handleCallback(ctx context.Context, cq *CallbackQuery) {
	owner := cq.From.ID
	if !b.allow(owner) {
		return
	}
	b.emitReceived(owner, "callback")

	if cq.Message == nil {
		_ = b.client.AnswerCallbackQuery(ctx, cq.ID, "")
		return
	}
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID

	var text, toast string
	switch {
	case strings.HasPrefix(cq.Data, cbConfirm):
		text = b.confirmReminder(ctx, owner, strings.TrimPrefix(cq.Data, cbConfirm))
	case strings.HasPrefix(cq.Data, cbCancel):
		toast = "Отменено"
		text = b.rejectReminder(ctx, owner, strings.TrimPrefix(cq.Data, cbCancel))
	case strings.HasPrefix(cq.Data, cbDeleteReminder):
		text = b.deleteReminder(ctx, owner, strings.TrimPrefix(cq.Data, cbDeleteReminder))
	case strings.HasPrefix(cq.Data, cbDeleteWatcher):
		text = b.deleteWatcher(ctx, owner, strings.TrimPrefix(cq.Data, cbDeleteWatcher))
	case strings.HasPrefix(cq.Data, "summary_"):
		text = b.handleSummaryCallback(ctx, chatID, owner, cq.Data)
	default:
		b.logger.Debug("unknown callback", "owner", owner, "data", cq.Data)
	}

	if err := b.client.AnswerCallbackQuery(ctx, cq.ID, toast); err != nil {
		b.logger.Debug("answer callback failed", "error", err)
	}
	if text == "" {
		return
	}
	if err := b.client.EditMessageText(ctx, chatID, msgID, text); err != nil {
		b.logger.Warn("edit message failed, sending new one", "error", err)
		b.sendPlain(ctx, chatID, text, nil)
	}
}

func (b *Bridge) deleteReminder(ctx context.Context, owner int64, id string) string {
	if b.config.Reminders == nil {
		return "⚠️ Напоминания недоступны."
	}
	err := b.config.Reminders.Remove(ctx, owner, id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return "⚠️ Напоминание не найдено."
	}
	if err != nil {
		b.logger.Error("reminder delete failed", "owner", owner, "id", id, "error", err)
		return errorMessage
	}
	return "🗑 Напоминание удалено."
}

func (b *Bridge) deleteWatcher(ctx context.Context, owner int64, id string) string {
	if b.config.Watchers == nil {
		return "⚠️ Мониторинг недоступен."
	}
	err := b.config.Watchers.Delete(ctx, owner, id)
	if errors.Is(err, watcher.ErrNotFound) {
		return "⚠️ Мониторинг не найден."
	}
	if err != nil {
		b.logger.Error("watcher delete failed", "owner", owner, "id", id, "error", err)
		return errorMessage
	}
	return "🗑 Мониторинг удалён."
}

// usageWindow is the longer period /usage reports besides today.
const usageWindow = 30

func (b *Bridge) cmdUsage(ctx context.Context, chatID, owner int64) {
	if b.config.Usage == nil {
		b.sendPlain(ctx, chatID, "⚠️ Учёт расхода не настроен.", nil)
		return
	}
	now := time.Now()
	today, err := b.config.Usage.Report(ctx, owner, now, now)
	if err != nil {
		b.logger.Error("usage report failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	month, err := b.config.Usage.Report(ctx, owner, now.AddDate(0, 0, -(usageWindow-1)), now)
	if err != nil {
		b.logger.Error("usage report failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}
	b.sendPlain(ctx, chatID, "📊 Расход токенов\n\n"+
		"Сегодня: "+describeUsage(today.Total)+"\n"+
		fmt.Sprintf("За %d дней: ", usageWindow)+describeUsage(month.Total), nil)
}

func describeUsage(s usage.Summary) string {
	text := fmt.Sprintf("%d запросов, %d токенов", s.Calls, s.Tokens())
	if s.CostUSD > 0 {
		text += fmt.Sprintf(" (≈ $%.4f)", s.CostUSD)
	}
	return text
}
