package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRequiresTunnelBaseDomain(t *testing.T) {
	if _, err := Load("", nil); err == nil {
		t.Fatal("expected error when tunnelBaseDomain is unset")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "tunnelBaseDomain: tunnels.example.com\nheartbeatMisses: 5\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("unable to write config file: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TunnelBaseDomain != "tunnels.example.com" {
		t.Fatalf("unexpected base domain: %q", cfg.TunnelBaseDomain)
	}
	if cfg.HeartbeatMisses != 5 {
		t.Fatalf("unexpected heartbeat misses: %d", cfg.HeartbeatMisses)
	}
	if cfg.SessionTTL == 0 {
		t.Fatal("expected default sessionTTL to survive partial YAML override")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil || err.Error() != "tunnelBaseDomain is required" {
		t.Fatalf("expected error for missing tunnelBaseDomain, not a file-read error, got %v", err)
	}
	_ = cfg
}
