package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"", zerolog.InfoLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"verbose", zerolog.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupJSONFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := Setup(Config{Level: "warn", Format: "json", Console: true, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Str("entity", "companies").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["message"] != "shown" || entry["entity"] != "companies" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sync.log")
	var console bytes.Buffer
	log, closer, err := Setup(Config{Level: "info", Format: "console", Console: true, File: path, MaxSizeMB: 1, Output: &console})
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("to both")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"message":"to both"`) {
		t.Errorf("log file = %q", data)
	}
	if !strings.Contains(console.String(), "to both") {
		t.Errorf("console = %q", console.String())
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if _, _, err := Setup(Config{Level: "chatty"}); err == nil {
		t.Error("expected error")
	}
}
