package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/metergate/config"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "metergate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestHolder_GetReturnsLoadedConfig(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "server:\n  port: 9191\n")

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	defer h.Stop()

	if h.Get().Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", h.Get().Server.Port)
	}
}

func TestHolder_ReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "server:\n  port: 9191\n")

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	defer h.Stop()

	var notified *config.Config
	h.OnChange(func(c *config.Config) { notified = c })

	writeConfigFile(t, dir, "server:\n  port: 9292\n")
	if err := h.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if h.Get().Server.Port != 9292 {
		t.Errorf("port = %d, want 9292 after reload", h.Get().Server.Port)
	}
	if notified == nil || notified.Server.Port != 9292 {
		t.Error("OnChange callback did not receive the new config")
	}
}

func TestHolder_ReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "server:\n  port: 9191\n")

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	defer h.Stop()

	writeConfigFile(t, dir, "rate_limit:\n  failure_policy: \"bogus\"\n")
	if err := h.Reload(); err == nil {
		t.Fatal("expected reload error for invalid config")
	}

	if h.Get().Server.Port != 9191 {
		t.Error("old config not retained after failed reload")
	}
}
