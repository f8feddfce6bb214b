package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envListenAddr, envDBPath, envLogLevel, envFleetPath,
		envQueueMax, envInFlightCap, envJobTimeout,
		envHeartbeatInterval, envPollInterval,
		envRetentionAge, envRetentionSchedule,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.QueueMax != defaultQueueMax {
		t.Errorf("QueueMax = %d, want %d", cfg.QueueMax, defaultQueueMax)
	}
	if cfg.InFlightCap != defaultInFlightCap {
		t.Errorf("InFlightCap = %d, want %d", cfg.InFlightCap, defaultInFlightCap)
	}
	if cfg.JobTimeout != defaultJobTimeout {
		t.Errorf("JobTimeout = %v, want %v", cfg.JobTimeout, defaultJobTimeout)
	}
	if cfg.RetentionAge != 0 {
		t.Errorf("RetentionAge = %v, want 0", cfg.RetentionAge)
	}
	if cfg.RetentionSchedule != defaultRetentionSchedule {
		t.Errorf("RetentionSchedule = %q, want %q", cfg.RetentionSchedule, defaultRetentionSchedule)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envFleetPath, "/etc/easel/fleet.toml")
	t.Setenv(envQueueMax, "25")
	t.Setenv(envInFlightCap, "3")
	t.Setenv(envJobTimeout, "90s")
	t.Setenv(envHeartbeatInterval, "5s")
	t.Setenv(envPollInterval, "250ms")
	t.Setenv(envRetentionAge, "48h")
	t.Setenv(envRetentionSchedule, "0 3 * * *")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.FleetPath != "/etc/easel/fleet.toml" {
		t.Errorf("FleetPath = %q, want %q", cfg.FleetPath, "/etc/easel/fleet.toml")
	}
	if cfg.QueueMax != 25 {
		t.Errorf("QueueMax = %d, want 25", cfg.QueueMax)
	}
	if cfg.InFlightCap != 3 {
		t.Errorf("InFlightCap = %d, want 3", cfg.InFlightCap)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %v, want 90s", cfg.JobTimeout)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.RetentionAge != 48*time.Hour {
		t.Errorf("RetentionAge = %v, want 48h", cfg.RetentionAge)
	}
	if cfg.RetentionSchedule != "0 3 * * *" {
		t.Errorf("RetentionSchedule = %q, want %q", cfg.RetentionSchedule, "0 3 * * *")
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv(envQueueMax, "not-a-number")
	t.Setenv(envInFlightCap, "-2")
	t.Setenv(envJobTimeout, "soon")

	cfg := Load()

	if cfg.QueueMax != defaultQueueMax {
		t.Errorf("QueueMax = %d, want default %d", cfg.QueueMax, defaultQueueMax)
	}
	if cfg.InFlightCap != defaultInFlightCap {
		t.Errorf("InFlightCap = %d, want default %d", cfg.InFlightCap, defaultInFlightCap)
	}
	if cfg.JobTimeout != defaultJobTimeout {
		t.Errorf("JobTimeout = %v, want default %v", cfg.JobTimeout, defaultJobTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

const testFleetTOML = `
[[workers]]
id = "local-0"
name = "gpu-0"
url = "http://127.0.0.1:7860"
backend = "cuda"
vram_mb = 8192
models = ["anythingV5"]

[[workers]]
name = "gpu-1"
url = "http://127.0.0.1:7861"

[catalog]
models = ["anythingV5", "dreamshaper"]
vaes = ["kl-f8-anime2"]

[[catalog.loras]]
name = "add_detail"
trigger = "<lora:add_detail:0.8>"

[[catalog.embeddings]]
name = "easynegative"
trigger = "easynegative"
`

func TestLoadFleet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.toml")
	if err := os.WriteFile(path, []byte(testFleetTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	fleet, err := LoadFleet(path)
	if err != nil {
		t.Fatalf("LoadFleet: %v", err)
	}

	if len(fleet.Workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(fleet.Workers))
	}
	if fleet.Workers[0].Name != "gpu-0" || fleet.Workers[0].URL != "http://127.0.0.1:7860" {
		t.Errorf("worker[0] = %+v", fleet.Workers[0])
	}
	if fleet.Workers[0].ID != "local-0" || fleet.Workers[0].Backend != "cuda" || fleet.Workers[0].VRAMMB != 8192 {
		t.Errorf("worker[0] capabilities = %+v", fleet.Workers[0])
	}
	if fleet.Workers[1].ID != "" {
		t.Errorf("worker[1].ID = %q, want empty", fleet.Workers[1].ID)
	}
	if len(fleet.Catalog.Models) != 2 {
		t.Errorf("got %d models, want 2", len(fleet.Catalog.Models))
	}
	if len(fleet.Catalog.Loras) != 1 || fleet.Catalog.Loras[0].Trigger != "<lora:add_detail:0.8>" {
		t.Errorf("loras = %+v", fleet.Catalog.Loras)
	}
	if len(fleet.Catalog.Embeddings) != 1 || fleet.Catalog.Embeddings[0].Name != "easynegative" {
		t.Errorf("embeddings = %+v", fleet.Catalog.Embeddings)
	}
}

func TestLoadFleetRejectsBadWorker(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing name", "[[workers]]\nurl = \"http://127.0.0.1:7860\"\n"},
		{"missing url", "[[workers]]\nname = \"gpu-0\"\n"},
		{"relative url", "[[workers]]\nname = \"gpu-0\"\nurl = \"127.0.0.1:7860\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fleet.toml")
			if err := os.WriteFile(path, []byte(tt.toml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFleet(path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoadFleetMissingFile(t *testing.T) {
	if _, err := LoadFleet(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
