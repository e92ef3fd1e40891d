package httpkit

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("WithTimeout(0) Timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		want   string
	}{
		{name: "default", want: "aide/"},
		{name: "override", opts: []ClientOption{WithUserAgent("probe/1")}, want: "probe/1"},
		{name: "caller header wins", header: "custom/2", want: "custom/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

type flakyRoundTripper struct {
	failures int
	calls    int
}

func (f *flakyRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestDialRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{name: "success first try", failures: 0, count: 2, wantCalls: 1},
		{name: "recovers", failures: 1, count: 2, wantCalls: 2},
		{name: "exhausted", failures: 10, count: 2, wantErr: true, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &flakyRoundTripper{failures: tt.failures}
			rt := &dialRetryTransport{base: f, count: tt.count, delay: time.Millisecond, logger: slog.Default()}
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if f.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", f.calls, tt.wantCalls)
			}
		})
	}
}

func TestIsDialError(t *testing.T) {
	if !isDialError(os.NewSyscallError("connect", syscall.EHOSTUNREACH)) {
		t.Error("EHOSTUNREACH should be a dial error")
	}
	if isDialError(os.NewSyscallError("read", syscall.ECONNRESET)) {
		t.Error("ECONNRESET must not be retried")
	}
	if isDialError(io.EOF) {
		t.Error("io.EOF is not a dial error")
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4)
	if got != "abcd" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "abcd")
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
