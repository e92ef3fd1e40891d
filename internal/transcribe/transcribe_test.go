package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if r.FormValue("model") != "whisper-large-v3-turbo" || r.FormValue("language") != "ru" {
			t.Errorf("fields = %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "voice.ogg" || string(data) != "OggS" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"  напомни купить молоко  "}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "key", Model: "whisper-large-v3-turbo"}, nil)
	got, err := c.Transcribe(context.Background(), []byte("OggS"), "voice")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "напомни купить молоко" {
		t.Errorf("text = %q", got)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "empty") {
			io.WriteString(w, `{"text":"   "}`)
			return
		}
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL + "/empty"}, nil).Transcribe(context.Background(), []byte("x"), "a.ogg")
	if !errors.Is(err, ErrEmpty) {
		t.Errorf("empty err = %v, want ErrEmpty", err)
	}

	_, err = New(Config{BaseURL: srv.URL}, nil).Transcribe(context.Background(), []byte("x"), "a.ogg")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Errorf("status err = %v", err)
	}
}
