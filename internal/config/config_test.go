package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8095" || cfg.ScheduleInterval != 30*time.Second || cfg.RetentionSampleWindow != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NotificationCap != 5 || cfg.MQTTTopicPrefix != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !slices.Equal(cfg.CORSOrigins, []string{"*"}) {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-hub.yaml")
	body := "port: \"9000\"\nmqtt_topic_prefix: home\nschedule_interval: 45s\ncors_origins:\n  - https://a.example\n  - https://b.example\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PORT", "9100")
	t.Setenv("NOTIFICATION_CAP", "7")
	t.Setenv("RETENTION_INTERVAL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env should win over file, got port %q", cfg.Port)
	}
	if cfg.MQTTTopicPrefix != "home" || cfg.ScheduleInterval != 45*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.NotificationCap != 7 || cfg.RetentionInterval != 2*time.Minute {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if !slices.Equal(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMissingRequired(t *testing.T) {
	cfg := &Config{PostgresUser: "hub", PostgresDB: "hub"}
	got := cfg.Missing()
	if !slices.Equal(got, []string{"JWT_PUBLIC_KEY_PATH", "POSTGRES_PASSWORD"}) {
		t.Fatalf("unexpected missing list %v", got)
	}
}

func TestLoadDoesNotLogAndLogValueHidesSecrets(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Setenv("POSTGRES_PASSWORD", "hunter2")
	t.Setenv("REDIS_PASSWORD", "redis-secret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("Load should leave logging to the caller, got %q", buf.String())
	}

	slog.Info("relay-hub config loaded", "config", cfg)
	out := buf.String()
	if !strings.Contains(out, "config.port=8095") {
		t.Fatalf("expected port in log line, got %q", out)
	}
	if strings.Contains(out, "hunter2") || strings.Contains(out, "redis-secret") {
		t.Fatalf("secrets leaked into log line: %q", out)
	}
}
