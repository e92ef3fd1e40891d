package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/aide/examples"
	"github.com/nugget/aide/internal/config"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v (%q)", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("json info = %v", info)
	}
}

func TestRun_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(out.String(), "check-config") {
		t.Errorf("usage = %q", out.String())
	}
}

func TestRun_InitThenCheckConfig(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("init: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("db dir not created: %v", err)
	}

	// A second init leaves the edited file alone.
	if err := os.WriteFile(path, []byte("# mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "# mine\n" {
		t.Errorf("init overwrote config: %q", data)
	}

	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("XAI_API_KEY", "sk-test")
	fresh := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := writeIfMissing(fresh, examples.ConfigYAML); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config", fresh, "check-config"}); err != nil {
		t.Fatalf("check-config on example: %v", err)
	}
	if !strings.Contains(out.String(), "is valid") {
		t.Errorf("check-config output = %q", out.String())
	}
}

func TestRun_CheckConfigReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: etcd\nlog_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config=" + path, "check-config"})
	if err == nil {
		t.Fatal("check-config accepted an invalid file")
	}
	for _, want := range []string{"telegram.token", "etcd", "loud"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNewTranscriberFallsBackToLLM(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.BaseURL = "https://llm.example/v1"
	cfg.LLM.APIKey = "k"
	if newTranscriber(cfg, nil) == nil {
		t.Fatal("nil transcriber")
	}
}
