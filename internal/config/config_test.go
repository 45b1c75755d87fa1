package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nsb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
system:
  mode: 1
  simulator_mode: 0
database:
  use_db: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.System.Mode != ModePush {
		t.Errorf("mode = %v, want ModePush", cfg.System.Mode)
	}
	if cfg.System.SimulatorMode != ModeSystemWide {
		t.Errorf("simulator_mode = %v, want ModeSystemWide", cfg.System.SimulatorMode)
	}
	if cfg.Listen.Address != defaultListenAddress {
		t.Errorf("listen.address = %q, want default %q", cfg.Listen.Address, defaultListenAddress)
	}
	if cfg.Listen.TickSeconds != defaultTickSeconds {
		t.Errorf("listen.tick_seconds = %d, want default %d", cfg.Listen.TickSeconds, defaultTickSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadUseStoreRequiresAddress(t *testing.T) {
	path := writeTempConfig(t, `
system:
  mode: 0
  simulator_mode: 1
database:
  use_db: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when use_db is true but db_address is empty")
	}
}

func TestLoadWithStore(t *testing.T) {
	path := writeTempConfig(t, `
system:
  mode: 0
  simulator_mode: 1
database:
  use_db: true
  db_address: 127.0.0.1
  db_port: 6543
  db_num: 0
listen:
  address: 127.0.0.1:9999
  tick_seconds: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.System.SimulatorMode != ModePerNode {
		t.Errorf("simulator_mode = %v, want ModePerNode", cfg.System.SimulatorMode)
	}
	if !cfg.Database.UseDB || cfg.Database.DBAddress != "127.0.0.1" || cfg.Database.DBPort != 6543 {
		t.Errorf("database config not parsed correctly: %+v", cfg.Database)
	}
	if cfg.Listen.Address != "127.0.0.1:9999" || cfg.Listen.TickSeconds != 5 {
		t.Errorf("listen config not parsed correctly: %+v", cfg.Listen)
	}
}
