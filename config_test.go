package flowmq

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := writeTempConfig(t, `
server: "tcp://localhost:1883"
client_id: "svc-1"
clean_start: "first_only"
keep_alive: 30s
max_queued_outgoing_messages: 50
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server != "tcp://localhost:1883" {
		t.Errorf("unexpected server: %q", cfg.Server)
	}
	if cfg.ClientID != "svc-1" {
		t.Errorf("unexpected client_id: %q", cfg.ClientID)
	}
	if cfg.KeepAlive != 30*time.Second {
		t.Errorf("unexpected keep_alive: %v", cfg.KeepAlive)
	}
	if cfg.MaxQueuedOutgoingMessages != 50 {
		t.Errorf("unexpected max_queued_outgoing_messages: %d", cfg.MaxQueuedOutgoingMessages)
	}
	if cfg.cleanStartMode() != CleanStartFirstOnly {
		t.Errorf("expected CleanStartFirstOnly, got %v", cfg.cleanStartMode())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/config.yml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestConfigCleanStartModeDefaultsToNo(t *testing.T) {
	cfg := &Config{}
	if cfg.cleanStartMode() != CleanStartNo {
		t.Fatalf("expected default CleanStartNo, got %v", cfg.cleanStartMode())
	}
}

func TestConfigFacadeOptionsIncludesClientOptionsWhenSet(t *testing.T) {
	cfg := &Config{
		ClientID:                  "svc-2",
		Username:                  "u",
		Password:                  "p",
		MaxConcurrentOutgoingCalls: 4,
	}
	opts := cfg.FacadeOptions()
	if len(opts) < 2 {
		t.Fatalf("expected at least client id and client options, got %d", len(opts))
	}
}
