package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("LOOPD_TEST_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "loopd.yaml")
	body := `
log_level: debug
vendors:
  anthropic:
    api_key: ${LOOPD_TEST_KEY}
engine:
  session_timeout_seconds: 60
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := cfg.Vendors.Anthropic.APIKey; got != "sk-test-123" {
		t.Errorf("APIKey = %q, want %q", got, "sk-test-123")
	}
	if got := cfg.Engine.SessionTimeoutSeconds; got != 60 {
		t.Errorf("SessionTimeoutSeconds = %d, want 60", got)
	}
	if got := cfg.LogLevel; got != "debug" {
		t.Errorf("LogLevel = %q, want %q", got, "debug")
	}
}

func TestLoadKeepsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopd.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	def := Default()
	if cfg.Engine.Compaction.KeepLast != def.Engine.Compaction.KeepLast {
		t.Errorf("Compaction.KeepLast = %d, want default %d",
			cfg.Engine.Compaction.KeepLast, def.Engine.Compaction.KeepLast)
	}
	if cfg.Engine.Retry.MaxAttempts != def.Engine.Retry.MaxAttempts {
		t.Errorf("Retry.MaxAttempts = %d, want default %d",
			cfg.Engine.Retry.MaxAttempts, def.Engine.Retry.MaxAttempts)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/loopd.yaml"); err == nil {
		t.Error("FindConfig() with missing explicit path should fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{" debug ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
