package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.BaseTimeout != 250*time.Millisecond {
		t.Errorf("base timeout = %v, want 250ms", cfg.Router.BaseTimeout)
	}
	if cfg.Router.SlotCap != 2 {
		t.Errorf("slot cap = %d, want 2", cfg.Router.SlotCap)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshgate.yaml")
	cfg := Defaults()
	cfg.GatewayID = "gw-test"
	cfg.Update.ChunkSize = 2048
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.GatewayID != "gw-test" {
		t.Errorf("gateway id = %q", got.GatewayID)
	}
	if got.Update.ChunkSize != 2048 {
		t.Errorf("chunk size = %d", got.Update.ChunkSize)
	}
}

func TestLoadPartialOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshgate.yaml")
	body := "gateway_id: gw-partial\nrouter:\n  max_retries: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.GatewayID != "gw-partial" {
		t.Errorf("gateway id = %q", got.GatewayID)
	}
	if got.Router.MaxRetries != 5 {
		t.Errorf("max retries = %d", got.Router.MaxRetries)
	}
	if got.Router.SlotCap != 2 {
		t.Errorf("slot cap lost default: %d", got.Router.SlotCap)
	}
}
