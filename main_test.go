package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("generated config permissions = %v, want 0600", info.Mode().Perm())
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	if !strings.Contains(string(b), "jwt_key:") {
		t.Fatalf("generated config missing jwt_key: %s", b)
	}

	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected refusal to overwrite an existing config")
	}
}

func TestRandomHexLength(t *testing.T) {
	if got := randomHex(32); len(got) != 64 {
		t.Fatalf("randomHex(32) length = %d, want 64", len(got))
	}
	if randomHex(8) == randomHex(8) {
		t.Fatalf("randomHex must not repeat")
	}
}
