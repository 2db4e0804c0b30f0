package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()

	if cfg.LLM.APIURL == "" {
		t.Error("default config has no LLM API URL")
	}
	if cfg.Chat.MaxAutonomousTurns != 4 {
		t.Errorf("MaxAutonomousTurns = %d, want 4", cfg.Chat.MaxAutonomousTurns)
	}
	if cfg.Chat.LoopSignatureWindow != 24 {
		t.Errorf("LoopSignatureWindow = %d, want 24", cfg.Chat.LoopSignatureWindow)
	}
	if cfg.Chat.LoopSimilarityThreshold != 0.92 {
		t.Errorf("LoopSimilarityThreshold = %v, want 0.92", cfg.Chat.LoopSimilarityThreshold)
	}
	if cfg.Chat.LoopHeatThreshold != 20 {
		t.Errorf("LoopHeatThreshold = %d, want 20", cfg.Chat.LoopHeatThreshold)
	}
	if !cfg.Loop.EnableAmbientLoop {
		t.Error("ambient loop should be enabled by default")
	}
	if cfg.Tools.Shell.Enabled {
		t.Error("shell should be disabled by default")
	}
	if cfg.Tools.Vision.Enabled {
		t.Error("vision should be disabled by default")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("PONDERER_TEST_MODEL", "test-model-7b")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
llm:
  model: ${PONDERER_TEST_MODEL}
  api_url: http://example.test/v1
username: max
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLM.Model != "test-model-7b" {
		t.Errorf("Model = %q, want env-expanded value", cfg.LLM.Model)
	}
	if cfg.Username != "max" {
		t.Errorf("Username = %q, want max", cfg.Username)
	}
	// Unset fields keep defaults.
	if cfg.Chat.RecentContextLimit != 18 {
		t.Errorf("RecentContextLimit = %d, want default 18", cfg.Chat.RecentContextLimit)
	}
}

func TestLoadCapabilityOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
capability_profiles:
  ambient:
    disallowed_tools: []
  dream:
    allowed_tools: [search_memory]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Capabilities.Ambient.DisallowedTools == nil {
		t.Fatal("ambient disallowed override should be set")
	}
	if len(*cfg.Capabilities.Ambient.DisallowedTools) != 0 {
		t.Error("ambient disallowed override should be the empty list")
	}
	if cfg.Capabilities.Dream.AllowedTools == nil || len(*cfg.Capabilities.Dream.AllowedTools) != 1 {
		t.Error("dream allowed override should contain one tool")
	}
	// Unset overrides stay nil so profile defaults apply.
	if cfg.Capabilities.PrivateChat.AllowedTools != nil {
		t.Error("private_chat allowed override should be nil")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	_, err := FindConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
