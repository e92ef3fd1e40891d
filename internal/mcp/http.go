package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/aide/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes bounds a single response body or event stream.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport speaks streamable HTTP: every message is a POST and the
// server answers with either application/json or text/event-stream.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates a transport. Callers bound each request with
// the context.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Send posts req and returns the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	sid := t.session()
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode == http.StatusNotFound && sid != "" {
		t.expire(sid)
		return nil, ErrSessionExpired
	}
	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	body := io.LimitReader(httpResp.Body, maxResponseBytes)
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts a notification. 200, 202 and 204 are all accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	sid := t.session()
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		if sid != "" {
			t.expire(sid)
			return ErrSessionExpired
		}
	}
	errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
	return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
}

// Close ends the server-side session if one was assigned.
func (t *HTTPTransport) Close() error {
	sid := t.session()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	t.decorate(req)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session close failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.decorate(httpReq)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

func (t *HTTPTransport) session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// expire forgets sid unless a newer session already replaced it.
func (t *HTTPTransport) expire(sid string) {
	t.mu.Lock()
	if t.sessionID == sid {
		t.sessionID = ""
	}
	t.mu.Unlock()
	t.logger.Debug("mcp session expired", "session", sid)
}

func (t *HTTPTransport) decorate(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()
}

// readEventStream scans server-sent events until one carries the
// response to id. Server requests and notifications on the stream are
// skipped.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.ID != id || (resp.Result == nil && resp.Error == nil) {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, errors.New("event stream ended without a response")
}
