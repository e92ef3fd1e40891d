package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aide/internal/agent"
	"github.com/nugget/aide/internal/calendar"
	"github.com/nugget/aide/internal/events"
	"github.com/nugget/aide/internal/retry"
	"github.com/nugget/aide/internal/scheduler"
	"github.com/nugget/aide/internal/transcribe"
	"github.com/nugget/aide/internal/usage"
	"github.com/nugget/aide/internal/watcher"
	"github.com/nugget/aide/internal/wizard"
)

// Runner runs one conversation turn. The real implementation is
// *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// History clears an owner's conversation.
type History interface {
	Clear(ctx context.Context, owner int64) error
}

// Reminders is the part of the scheduler the bridge drives.
type Reminders interface {
	List(ctx context.Context, owner int64) ([]*scheduler.Job, error)
	Remove(ctx context.Context, owner int64, id string) error
	Confirm(ctx context.Context, owner int64, id string) (*scheduler.Job, error)
	Reject(ctx context.Context, owner int64, id string) error
}

// Watchers manages chat watchers.
type Watchers interface {
	List(ctx context.Context, owner int64) ([]*watcher.Watcher, error)
	Create(ctx context.Context, owner int64, name, prompt string, chatIDs []string, interval time.Duration) (*watcher.Watcher, error)
	Delete(ctx context.Context, owner int64, id string) error
}

// Dialogs drives multi-step dialogs. The real implementation is
// *wizard.Wizard.
type Dialogs interface {
	Start(ctx context.Context, owner int64, flow string) (string, error)
	Advance(ctx context.Context, owner int64, input string) (wizard.Outcome, bool, error)
	Cancel(ctx context.Context, owner int64) error
}

// Timezones stores each owner's timezone.
type Timezones interface {
	Get(ctx context.Context, owner int64) (string, bool, error)
	Set(ctx context.Context, owner int64, tz string) (string, error)
}

// TimezoneSource looks up an owner's timezone in their calendar.
type TimezoneSource interface {
	Timezone(ctx context.Context, owner int64) (string, error)
}

// Authenticator starts the Google sign-in flow.
type Authenticator interface {
	Authorized(ctx context.Context, owner int64) (bool, error)
	AuthURL(ctx context.Context, owner int64) (string, error)
	Revoke(ctx context.Context, owner int64) error
}

// Usage reports an owner's token consumption.
type Usage interface {
	Report(ctx context.Context, owner int64, from, to time.Time) (*usage.Report, error)
}

// Transcriber turns voice notes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// User-facing texts.
const (
	errorMessage = "⚠️ Произошла ошибка при обработке запроса.\nПопробуйте ещё раз или выполните /clear для сброса диалога."
	clearMessage = "🗑 История диалога очищена."
	helpMessage  = "📚 Справка\n\n" +
		"Примеры запросов:\n" +
		"- Покажи мои события на сегодня\n" +
		"- Создай встречу завтра в 10:00\n" +
		"- Какие у меня задачи?\n" +
		"- Напоминай каждый день в 20:00 спросить, как прошёл день\n\n" +
		"Команды:\n" +
		"/start — начать работу\n" +
		"/auth — авторизация в Google\n" +
		"/logout — отвязать аккаунт Google\n" +
		"/reminders — мои напоминания\n" +
		"/watchers — мониторинг чатов\n" +
		"/watch — новый мониторинг\n" +
		"/summaries — саммари каналов\n" +
		"/timezone — обновить часовой пояс\n" +
		"/usage — расход токенов\n" +
		"/cancel — отменить текущий диалог\n" +
		"/clear — очистить историю диалога"
)

// Callback data prefixes.
const (
	cbConfirm        = "reminder_confirm:"
	cbCancel         = "reminder_cancel:"
	cbDeleteReminder = "reminder_delete:"
	cbDeleteWatcher  = "watcher_delete:"

	cbSummaryNew         = "summary_new"
	cbSummaryDelete      = "summary_delete:"
	cbSummaryInterval    = "summary_interval:"
	cbSummarySetInterval = "summary_iv:"
)

// BridgeConfig holds the dependencies for a Bridge. Optional
// collaborators may be nil; the matching commands then report that the
// feature is unavailable.
type BridgeConfig struct {
	Client *Client
	Runner Runner
	Logger *slog.Logger
	Bus    *events.Bus

	History        History
	Reminders      Reminders
	Watchers       Watchers
	Summaries      Summaries
	Dialogs        Dialogs
	Timezones      Timezones
	TimezoneSource TimezoneSource
	Auth           Authenticator
	Transcriber    Transcriber
	Usage          Usage

	// QRCode renders the sign-in URL as a PNG sent alongside the
	// sign-in button.
	QRCode func(content string) ([]byte, error)

	// AllowedUsers limits who may talk to the bot. Empty allows
	// everyone.
	AllowedUsers []int64

	// UserRetries is how many times a rate-limited turn is attempted.
	UserRetries int

	// TurnTimeout bounds the handling of one update.
	TurnTimeout time.Duration

	// HTML renders model replies from Markdown to Telegram HTML.
	HTML bool
}

// Bridge receives Telegram updates, routes them through commands,
// dialogs or the agent loop, and sends the replies back.
type Bridge struct {
	client  *Client
	runner  Runner
	logger  *slog.Logger
	bus     *events.Bus
	config  BridgeConfig
	allowed map[int64]bool

	wg sync.WaitGroup
}

// NewBridge creates a Telegram bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserRetries <= 0 {
		cfg.UserRetries = 3
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Bridge{
		client:  cfg.Client,
		runner:  cfg.Runner,
		logger:  logger.With("component", "telegram"),
		bus:     cfg.Bus,
		config:  cfg,
		allowed: allowed,
	}
}

// Start long-polls for updates and handles each in its own goroutine
// until ctx is cancelled. It returns after in-flight updates finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("telegram bridge started")
	defer func() {
		b.wg.Wait()
		b.logger.Info("telegram bridge stopped")
	}()

	var offset int64
	backoff := time.Second
	for {
		updates, err := b.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			b.logger.Warn("telegram poll failed", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.wg.Add(1)
			go func(u Update) {
				defer b.wg.Done()
				b.HandleUpdate(ctx, u)
			}(u)
		}
	}
}

// HandleUpdate processes one update synchronously.
func (b *Bridge) HandleUpdate(ctx context.Context, u Update) {
	ctx, cancel := context.WithTimeout(ctx, b.config.TurnTimeout)
	defer cancel()

	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bridge) allow(owner int64) bool {
	return len(b.allowed) == 0 || b.allowed[owner]
}

func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	owner, chatID := msg.From.ID, msg.Chat.ID
	if !b.allow(owner) {
		b.logger.Warn("telegram message from unlisted user ignored", "owner", owner)
		return
	}

	switch {
	case msg.Voice != nil:
		b.emitReceived(owner, "voice")
		b.handleVoice(ctx, chatID, owner, msg.Voice)
	case strings.HasPrefix(msg.Text, "/"):
		b.emitReceived(owner, "command")
		b.handleCommand(ctx, chatID, msg.From, msg.Text)
	case strings.TrimSpace(msg.Text) != "":
		b.emitReceived(owner, "text")
		if b.advanceDialog(ctx, chatID, owner, msg.Text) {
			return
		}
		b.runTurn(ctx, chatID, owner, msg.Text)
	}
}

func (b *Bridge) emitReceived(owner int64, kind string) {
	b.bus.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"owner": owner,
		"kind":  kind,
	})
}

// runTurn sends text through the agent loop and delivers the reply. A
// rate-limited turn is retried after telling the user how long to wait.
func (b *Bridge) runTurn(ctx context.Context, chatID, owner int64, text string) {
	log := b.logger.With("owner", owner)
	b.typing(ctx, chatID)

	tz := ""
	if b.config.Timezones != nil {
		if stored, ok, err := b.config.Timezones.Get(ctx, owner); err != nil {
			log.Warn("failed to load timezone", "error", err)
		} else if ok {
			tz = stored
		}
	}

	var (
		reply *agent.Reply
		err   error
	)
	for attempt := 1; ; attempt++ {
		reply, err = b.runner.Run(ctx, agent.Request{Owner: owner, Text: text, Timezone: tz, Resume: attempt > 1})
		var sig *retry.RateLimitSignal
		if err == nil || !errors.As(err, &sig) || attempt >= b.config.UserRetries {
			break
		}
		wait := sig.RetryAfter
		secs := int((wait + time.Second - 1) / time.Second)
		log.Info("turn rate limited, waiting", "attempt", attempt, "wait", wait)
		b.bus.Emit(events.SourceTelegram, events.KindRateLimited, map[string]any{
			"owner":         owner,
			"retry_after_s": secs,
		})
		b.sendPlain(ctx, chatID, fmt.Sprintf("⏳ Превышен лимит запросов. Подождите %d секунд...", secs), nil)
		if !sleepCtx(ctx, wait) {
			return
		}
		b.typing(ctx, chatID)
	}
	if err != nil {
		log.Error("turn failed", "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return
	}

	switch reply.Outcome {
	case agent.OutcomeConfirmation:
		b.sendPlain(ctx, chatID, reply.Text, confirmKeyboard(reply.ConfirmationID))
	case agent.OutcomeAuthRequired:
		b.sendPlain(ctx, chatID, reply.Text, nil)
	default:
		if err := b.send(ctx, chatID, reply.Text, b.config.HTML); err != nil {
			log.Error("reply send failed", "error", err)
		}
	}
}

func confirmKeyboard(id string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "✅ Подтвердить", CallbackData: cbConfirm + id},
		{Text: "❌ Отмена", CallbackData: cbCancel + id},
	}}}
}

func (b *Bridge) handleVoice(ctx context.Context, chatID, owner int64, voice *Voice) {
	log := b.logger.With("owner", owner)
	if b.config.Transcriber == nil {
		b.sendPlain(ctx, chatID, "🎤 Голосовые сообщения не поддерживаются.", nil)
		return
	}
	b.typing(ctx, chatID)

	f, err := b.client.GetFile(ctx, voice.FileID)
	var audio []byte
	if err == nil {
		audio, err = b.client.DownloadFile(ctx, f.FilePath)
	}
	if err != nil {
		log.Error("voice download failed", "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Не удалось получить аудио файл.", nil)
		return
	}

	text, err := b.config.Transcriber.Transcribe(ctx, audio, "voice.ogg")
	if errors.Is(err, transcribe.ErrEmpty) {
		b.sendPlain(ctx, chatID, "⚠️ Не удалось распознать речь в сообщении.", nil)
		return
	}
	if err != nil {
		log.Error("transcription failed", "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Не удалось распознать голосовое сообщение.", nil)
		return
	}

	b.sendPlain(ctx, chatID, "🎤 Распознано: "+text, nil)
	if b.advanceDialog(ctx, chatID, owner, text) {
		return
	}
	b.runTurn(ctx, chatID, owner, text)
}

// advanceDialog feeds input to the owner's open dialog and reports
// whether there was one.
func (b *Bridge) advanceDialog(ctx context.Context, chatID, owner int64, input string) bool {
	if b.config.Dialogs == nil {
		return false
	}
	out, ok, err := b.config.Dialogs.Advance(ctx, owner, input)
	if err != nil {
		b.logger.Error("dialog step failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, errorMessage, nil)
		return true
	}
	if !ok {
		return false
	}
	if !out.Done {
		b.sendPlain(ctx, chatID, out.Reply, nil)
		return true
	}

	switch out.Flow {
	case wizard.WatchFlowName:
		b.finishWatch(ctx, chatID, owner, out.Data)
	case wizard.SummaryFlowName:
		b.finishSummary(ctx, chatID, owner, out.Data)
	default:
		b.logger.Warn("dialog finished with no handler", "flow", out.Flow)
	}
	return true
}

func (b *Bridge) finishWatch(ctx context.Context, chatID, owner int64, data map[string]string) {
	if b.config.Watchers == nil {
		b.sendPlain(ctx, chatID, "⚠️ Мониторинг недоступен.", nil)
		return
	}
	name, prompt, chats, interval := wizard.WatchResult(data)
	w, err := b.config.Watchers.Create(ctx, owner, name, prompt, chats, interval)
	if err != nil {
		b.logger.Error("watcher create failed", "owner", owner, "error", err)
		b.sendPlain(ctx, chatID, "⚠️ Не удалось создать мониторинг: "+err.Error(), nil)
		return
	}
	b.sendPlain(ctx, chatID, fmt.Sprintf("✅ Мониторинг «%s» создан.\n\n📺 Чатов: %d\n🔁 Проверка каждые %s",
		w.Name, len(w.ChatIDs), formatInterval(w.Interval)), nil)
}

func formatInterval(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d ч", int(d/time.Hour))
	}
	return fmt.Sprintf("%d мин", int(d/time.Minute))
}

// Send delivers text to owner's private chat, rendering Markdown when
// HTML mode is on.
func (b *Bridge) Send(ctx context.Context, owner int64, text string) error {
	return b.send(ctx, owner, text, b.config.HTML)
}

// SendPlain delivers text to owner's private chat verbatim.
func (b *Bridge) SendPlain(ctx context.Context, owner int64, text string) error {
	return b.send(ctx, owner, text, false)
}

func (b *Bridge) sendPlain(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) {
	if _, err := b.client.SendMessage(ctx, chatID, text, SendOptions{ReplyMarkup: markup}); err != nil {
		b.logger.Error("telegram send failed", "chat", chatID, "error", err)
	}
}

// send chunks text and sends each piece. In HTML mode a piece whose
// rendering is too long or rejected by Telegram goes out as plain text.
func (b *Bridge) send(ctx context.Context, chatID int64, text string, html bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, chunk := range Chunk(text, MaxMessageLength) {
		if html {
			rendered := Format(chunk)
			if rendered != "" && TextLength(rendered) <= MaxMessageLength {
				_, err := b.client.SendMessage(ctx, chatID, rendered, SendOptions{ParseMode: "HTML"})
				if err == nil {
					continue
				}
				if !isBadMarkup(err) {
					return err
				}
				b.logger.Debug("telegram rejected markup, resending as plain text", "error", err)
			}
		}
		if _, err := b.client.SendMessage(ctx, chatID, chunk, SendOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) typing(ctx context.Context, chatID int64) {
	if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil {
		b.logger.Debug("telegram typing indicator failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// calendarUnauthorized reports whether err means the owner has not
// signed in to Google.
func calendarUnauthorized(err error) bool {
	return errors.Is(err, calendar.ErrNotAuthorized)
}
