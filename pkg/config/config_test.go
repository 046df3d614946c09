package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Load(missing) = %+v, want Default()", cfg)
	}
}

func TestLoadValidYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logger:
  level: DEBUG
  json: true
server:
  listen_address: "127.0.0.1:9090"
core:
  db_path: /var/lib/corekv
  keep_checkpoints: 5
  memtable:
    flush_threshold: 1048576
    flush_chan_buff_size: 4
  sstable:
    compact_threshold: 8
  bloom_filter:
    fp_rate: 0.02
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:9090" {
		t.Fatalf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Core.KeepCheckpoints != 5 {
		t.Fatalf("KeepCheckpoints = %d, want 5", cfg.Core.KeepCheckpoints)
	}
	if !cfg.Logger.JSON {
		t.Fatal("expected JSON logger")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logger:
  level: LOUD
server:
  listen_address: ":8080"
core:
  db_path: /var/lib/corekv
  keep_checkpoints: 3
  memtable:
    flush_threshold: 1048576
    flush_chan_buff_size: 3
  sstable:
    compact_threshold: 4
  bloom_filter:
    fp_rate: 0.01
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid logger level")
	}
}
