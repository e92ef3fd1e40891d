package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/aide/internal/retry"
)

func TestOpenAIClient_ToolCalls(t *testing.T) {
	var gotAuth string
	var gotBody openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		io.WriteString(w, `{
			"model": "grok-3",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "get_calendar_events", "arguments": "{\"max_results\": 5}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 8}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1/", "sk-test", time.Second, nil)
	resp, err := c.Chat(context.Background(), Request{
		Model:       "grok-3",
		Messages:    []Message{{Role: RoleUser, Content: "what's on today?"}},
		Tools:       []map[string]any{{"type": "function", "function": map[string]any{"name": "get_calendar_events"}}},
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.ToolChoice != "auto" || len(gotBody.Tools) != 1 {
		t.Errorf("tool_choice = %q, tools = %d", gotBody.ToolChoice, len(gotBody.Tools))
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_calendar_events" || tc.Function.Arguments != `{"max_results": 5}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 8 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  string
		check   func(t *testing.T, err error)
		wantErr bool
	}{
		{
			name:   "rate limit with hint",
			status: http.StatusTooManyRequests,
			header: "7",
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("err = %T, want *RateLimitError", err)
				}
				if d, ok := rl.RetryAfter(); !ok || d != 7*time.Second {
					t.Errorf("RetryAfter = %v, %v", d, ok)
				}
			},
		},
		{
			name:   "rate limit without hint",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("err = %T, want *RateLimitError", err)
				}
				if _, ok := rl.RetryAfter(); ok {
					t.Error("expected no hint")
				}
			},
		},
		{
			name:   "server error is not transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var api *APIError
				if !errors.As(err, &api) || api.StatusCode != http.StatusBadGateway {
					t.Fatalf("err = %v, want *APIError 502", err)
				}
				if retry.IsTransient(err) {
					t.Error("API errors must not be transient")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			c := NewOpenAIClient(srv.URL, "k", time.Second, nil)
			_, err := c.Chat(context.Background(), Request{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestOpenAIClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAIClient(srv.URL, "k", 50*time.Millisecond, nil)
	_, err := c.Chat(context.Background(), Request{Model: "m"})
	if !retry.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"15", 15 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"-3", 0},
		{"Sat, 01 Mar 2025 12:00:20 GMT", 20 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type scriptedClient struct {
	calls atomic.Int64
	errs  []error
}

func (s *scriptedClient) Chat(context.Context, Request) (*ChatResponse, error) {
	n := s.calls.Add(1)
	if int(n) <= len(s.errs) && s.errs[n-1] != nil {
		return nil, s.errs[n-1]
	}
	return &ChatResponse{Message: Message{Role: RoleAssistant, Content: "ok"}}, nil
}

func TestRetryingClient(t *testing.T) {
	exec := retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)

	t.Run("transient then success", func(t *testing.T) {
		inner := &scriptedClient{errs: []error{&TransientError{Err: io.ErrUnexpectedEOF}}}
		resp, err := WithRetry(inner, exec).Chat(context.Background(), Request{})
		if err != nil || resp.Message.Content != "ok" {
			t.Fatalf("Chat = %v, %v", resp, err)
		}
		if inner.calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", inner.calls.Load())
		}
	})

	t.Run("rate limit surfaces signal", func(t *testing.T) {
		inner := &scriptedClient{errs: []error{&RateLimitError{Hint: 2 * time.Millisecond}}}
		_, err := WithRetry(inner, exec).Chat(context.Background(), Request{})
		var sig *retry.RateLimitSignal
		if !errors.As(err, &sig) {
			t.Fatalf("err = %v, want RateLimitSignal", err)
		}
		if inner.calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", inner.calls.Load())
		}
	})
}
