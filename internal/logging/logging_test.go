package logging

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"fatal", slog.LevelError, false},
		{"", slog.LevelInfo, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitAndReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fetcher.log")
	if err := Init(path, slog.LevelInfo, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	slog.Info("first line")
	slog.Info("second line")
	slog.Debug("suppressed")

	out, err := ReadTail(1)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.Contains(out, "second line") {
		t.Errorf("tail should contain last record, got %q", out)
	}
	if strings.Contains(out, "first line") {
		t.Errorf("tail of 1 returned more than one line: %q", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Errorf("debug record should be filtered at info level: %q", out)
	}
}
