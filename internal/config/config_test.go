package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: $DIR/data/presenced.bolt
encryption:
  secret: hunter2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Fatalf("expected bolt storage, got %q", cfg.Storage.Type)
	}
	if cfg.Tracking.IdleThreshold != "5m" {
		t.Fatalf("expected 5m idle threshold, got %q", cfg.Tracking.IdleThreshold)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Interval != "15m" {
		t.Fatalf("expected 15m sync interval, got %q", cfg.Sync.Interval)
	}
	if cfg.Notify.RedisChannel != "attendance_updates" {
		t.Fatalf("unexpected redis channel %q", cfg.Notify.RedisChannel)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Storage.Path)); err != nil {
		t.Fatalf("expected storage directory to be created: %v", err)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: $DIR/presenced.bolt
`)
	t.Setenv("PRESENCED_ENCRYPTION_SECRET", "from-env")
	t.Setenv("PRESENCED_SYNC_BATCH_SIZE", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Encryption.Secret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.Encryption.Secret)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.Sync.BatchSize)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRESENCED_ENCRYPTION_SECRET", "s3cret")
	t.Setenv("PRESENCED_STORAGE_PATH", filepath.Join(dir, "presenced.bolt"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracking.SampleInterval != "5s" {
		t.Fatalf("expected default sample interval, got %q", cfg.Tracking.SampleInterval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing secret",
			body: "storage:\n  path: $DIR/p.bolt\n",
			want: "encryption.secret",
		},
		{
			name: "bad storage type",
			body: "storage:\n  type: etcd\nencryption:\n  secret: x\n",
			want: "unknown storage type",
		},
		{
			name: "bad duration",
			body: "storage:\n  path: $DIR/p.bolt\nencryption:\n  secret: x\ntracking:\n  idle_threshold: soon\n",
			want: "tracking.idle_threshold",
		},
		{
			name: "bad idle source",
			body: "storage:\n  path: $DIR/p.bolt\nencryption:\n  secret: x\ntracking:\n  idle_source: xprintidle\n",
			want: "unknown idle source",
		},
		{
			name: "zero batch size",
			body: "storage:\n  path: $DIR/p.bolt\nencryption:\n  secret: x\nsync:\n  batch_size: 0\n",
			want: "sync.batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
