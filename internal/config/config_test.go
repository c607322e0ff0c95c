package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageLimitMB != 8192 {
		t.Fatalf("unexpected storage limit: %d", cfg.StorageLimitMB)
	}
	if cfg.DownloadWindowMinMinutes != 60 || cfg.DownloadWindowMaxMinutes != 120 {
		t.Fatalf("unexpected download window: %d-%d", cfg.DownloadWindowMinMinutes, cfg.DownloadWindowMaxMinutes)
	}
	if cfg.SyncInterval != 24*time.Hour {
		t.Fatalf("unexpected sync interval: %v", cfg.SyncInterval)
	}
	if cfg.DBPath != cfg.DataDir+"/wren.db" {
		t.Fatalf("expected db path under data dir, got %q", cfg.DBPath)
	}
}

func TestLoadRejectsFloorAboveLimit(t *testing.T) {
	t.Setenv("WREN_STORAGE_LIMIT_MB", "512")
	t.Setenv("WREN_STORAGE_FLOOR_MB", "1024")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail when floor exceeds limit")
	}
}

func TestLoadRejectsBadServerURL(t *testing.T) {
	t.Setenv("WREN_SERVER_URL", "jellyfin.local:8096")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for URL without scheme")
	}
}

func TestLoadFileOverlayEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wren.yaml")
	body := "server_url: https://media.example.net\nstorage_limit_mb: 4096\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("WREN_CONFIG_FILE", path)
	t.Setenv("WREN_STORAGE_LIMIT_MB", "2048")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServerURL != "https://media.example.net" {
		t.Fatalf("expected server URL from file, got %q", cfg.ServerURL)
	}
	if cfg.StorageLimitMB != 2048 {
		t.Fatalf("expected env to override file, got %d", cfg.StorageLimitMB)
	}
}
