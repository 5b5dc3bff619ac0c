package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FEEDBACK_CONFIG_FILE", "FEEDBACK_API_URL", "FEEDBACK_WS_URL", "FEEDBACK_RULES_FILE",
		"FEEDBACK_AUDIO_INPUT_DEVICE", "PULSE_SOURCE", "FEEDBACK_POLL_INTERVAL", "FEEDBACK_SAMPLE_RATE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Polling.Interval != 2*time.Second || cfg.Polling.MaxAttempts != 30 {
		t.Fatalf("unexpected polling defaults: %+v", cfg.Polling)
	}
	if cfg.Recording.MaxDuration != 120*time.Second {
		t.Fatalf("unexpected max duration: %s", cfg.Recording.MaxDuration)
	}
	if cfg.Audio.ChunkInterval != 500*time.Millisecond || cfg.Audio.FrameSize != 4096 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Realtime.KeepAlive != 15*time.Second || cfg.Realtime.MaxReconnects != 5 {
		t.Fatalf("unexpected realtime defaults: %+v", cfg.Realtime)
	}
	if cfg.Rules.Path != "" {
		t.Fatalf("expected no rules file, got %q", cfg.Rules.Path)
	}
}

func TestLoadFindsDefaultRulesFile(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	rules := filepath.Join(home, ".config", "feedbackmic", "captions.rules")
	if err := os.MkdirAll(filepath.Dir(rules), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(rules, []byte("a => b\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Rules.Path != rules {
		t.Fatalf("expected %q, got %q", rules, cfg.Rules.Path)
	}
}

func TestLoadOverlaysYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "feedback.yaml")
	body := []byte(`
api:
  base_url: https://api.example.se/
  websocket_url: wss://api.example.se/ws
polling:
  interval: 750ms
  max_attempts: 4
audio:
  input_device: yaml-mic
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("FEEDBACK_CONFIG_FILE", path)
	t.Setenv("FEEDBACK_API_URL", "https://env.example.se/")
	t.Setenv("FEEDBACK_SAMPLE_RATE", "-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.se" {
		t.Fatalf("expected env override without trailing slash, got %q", cfg.API.BaseURL)
	}
	if cfg.API.WebSocketURL != "wss://api.example.se/ws" {
		t.Fatalf("expected yaml websocket url, got %q", cfg.API.WebSocketURL)
	}
	if cfg.Polling.Interval != 750*time.Millisecond || cfg.Polling.MaxAttempts != 4 {
		t.Fatalf("unexpected polling config: %+v", cfg.Polling)
	}
	if cfg.Audio.InputDevice != "yaml-mic" {
		t.Fatalf("expected yaml input device, got %q", cfg.Audio.InputDevice)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected invalid sample rate to fall back, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("api: [unterminated"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("FEEDBACK_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOrDefaultDuration(t *testing.T) {
	t.Setenv("FEEDBACK_TEST_DURATION", "250")
	if got := envOrDefaultDuration("FEEDBACK_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	t.Setenv("FEEDBACK_TEST_DURATION", "3s")
	if got := envOrDefaultDuration("FEEDBACK_TEST_DURATION", time.Second); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	t.Setenv("FEEDBACK_TEST_DURATION", "soon")
	if got := envOrDefaultDuration("FEEDBACK_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	cfg.API.WebSocketURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing websocket url error")
	}
}
