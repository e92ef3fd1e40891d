// Package telegram connects the assistant to the Telegram Bot API. The
// Client speaks the HTTP API; the Bridge long-polls for updates and
// routes them to commands, dialogs and the agent loop.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/aide/internal/httpkit"
)

// MaxMessageLength is the Bot API ceiling for one text message, in
// UTF-16 code units.
const MaxMessageLength = 4096

// maxDownload bounds file downloads (voice notes are small).
const maxDownload = 20 << 20

// APIError is a Bot API error response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// isBadMarkup reports whether Telegram rejected the message entities.
// The caller resends as plain text.
func isBadMarkup(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(apiErr.Description, "can't parse entities")
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Token  string
	APIURL string // default https://api.telegram.org

	// PollTimeout is the long-poll duration passed to getUpdates.
	PollTimeout time.Duration
}

// Client is a minimal Bot API client.
type Client struct {
	token       string
	apiURL      string
	pollTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Client{
		token:       cfg.Token,
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		pollTimeout: cfg.PollTimeout,
		// No overall timeout: getUpdates holds the connection open for
		// the poll duration and calls carry their own contexts.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "telegram"),
	}
}

func (c *Client) methodURL(method string) string {
	return c.apiURL + "/bot" + c.token + "/" + method
}

// call POSTs params as JSON and decodes the result into out (if
// non-nil).
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDownload)).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOptions are optional sendMessage fields.
type SendOptions struct {
	ParseMode   string
	ReplyMarkup *InlineKeyboardMarkup
}

// SendMessage sends one message of at most MaxMessageLength UTF-16 units.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (*Message, error) {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if opts.ParseMode != "" {
		params["parse_mode"] = opts.ParseMode
	}
	if opts.ReplyMarkup != nil {
		params["reply_markup"] = opts.ReplyMarkup
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageText replaces the text of a sent message and drops its
// keyboard.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	return c.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

// SendChatAction shows a status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// AnswerCallbackQuery acknowledges a button press. text may be empty.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	params := map[string]any{"callback_query_id": id}
	if text != "" {
		params["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	return &f, nil
}

// DownloadFile fetches a file by the path GetFile returned.
func (c *Client) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	url := c.apiURL + "/file/bot" + c.token + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// SendPhoto uploads a PNG with an optional caption and keyboard.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, png []byte, caption string, markup *InlineKeyboardMarkup) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	if caption != "" {
		fields["caption"] = caption
	}
	if markup != nil {
		raw, err := json.Marshal(markup)
		if err != nil {
			return fmt.Errorf("marshal reply markup: %w", err)
		}
		fields["reply_markup"] = string(raw)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile("photo", "qr.png")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return fmt.Errorf("write photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("create sendPhoto request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendPhoto", nil)
}
