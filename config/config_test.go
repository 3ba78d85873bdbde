package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	cfg, err := Parse("../config.test.json")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.API.Version != "53.0" {
		t.Fatalf("Expected api version 53.0, got %s", cfg.API.Version)
	}
	if cfg.Processor.DownloadDir != "/tmp/ultraloader-test" {
		t.Fatalf("Expected download dir /tmp/ultraloader-test, got %s", cfg.Processor.DownloadDir)
	}
	if cfg.Processor.BatchSize != 10000 {
		t.Fatalf("Expected batch size 10000, got %d", cfg.Processor.BatchSize)
	}
	if cfg.Processor.StorageBackend["backend"] != "filesystem" {
		t.Fatalf("Expected filesystem storage backend, got %v", cfg.Processor.StorageBackend)
	}
	if cfg.Registry.Addr != "localhost:6379" {
		t.Fatalf("Expected registry addr localhost:6379, got %s", cfg.Registry.Addr)
	}
	if cfg.Notifier.Backend != "http" || cfg.Notifier.Concurrency != 2 {
		t.Fatalf("Unexpected notifier settings: %+v", cfg.Notifier)
	}

	timeout, ok := cfg.Backends["http"]["timeout"].(json.Number)
	if !ok {
		t.Fatalf("Expected http backend timeout to decode as json.Number, got %T", cfg.Backends["http"]["timeout"])
	}
	if v, err := timeout.Int64(); err != nil || v != 5 {
		t.Fatalf("Expected http backend timeout 5, got %v (%v)", timeout, err)
	}
}

func TestParseDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	minimal := `{"credentials": {"file": "credentials.json"}}`
	if err := os.WriteFile(path, []byte(minimal), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.API.Version != DefaultAPIVersion {
		t.Fatalf("Expected default api version %s, got %s", DefaultAPIVersion, cfg.API.Version)
	}
	if cfg.Processor.DownloadDir != DefaultDownloadDir {
		t.Fatalf("Expected default download dir %s, got %s", DefaultDownloadDir, cfg.Processor.DownloadDir)
	}
	if cfg.Notifier.Concurrency != DefaultNotifierConcurrency {
		t.Fatalf("Expected default notifier concurrency %d, got %d", DefaultNotifierConcurrency, cfg.Notifier.Concurrency)
	}
	if cfg.Processor.BatchSize != 0 {
		t.Fatalf("Expected batch size to stay unset, got %d", cfg.Processor.BatchSize)
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse("no-such-config.json"); err == nil {
		t.Fatal("Expected an error for a missing configuration file")
	}
}
