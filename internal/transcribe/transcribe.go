// Package transcribe turns voice notes into text through a
// Whisper-compatible /audio/transcriptions endpoint.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/aide/internal/httpkit"
)

// ErrEmpty is returned when the audio held no recognizable speech.
var ErrEmpty = errors.New("no speech recognized")

// Config points at the transcription endpoint.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// Client transcribes audio.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a transcription client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Language == "" {
		cfg.Language = "ru"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger:     logger.With("component", "transcribe"),
	}
}

// Transcribe uploads audio named filename and returns the trimmed
// transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if filepath.Ext(filename) == "" {
		filename += ".ogg"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	for k, v := range map[string]string{
		"model":           c.config.Model,
		"language":        c.config.Language,
		"response_format": "json",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription failed: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmpty
	}

	c.logger.Info("audio transcribed",
		"bytes", len(audio),
		"chars", len([]rune(text)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return text, nil
}
