package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}

	if len(cfg.FunctionPaths) != 1 || cfg.FunctionPaths[0] != "./functions" {
		t.Errorf("Default function paths mismatch: got %v, want [./functions]", cfg.FunctionPaths)
	}

	if cfg.Wasm.MemoryPages != 256 {
		t.Errorf("Default memory pages mismatch: got %d, want 256", cfg.Wasm.MemoryPages)
	}

	if cfg.Wasm.Timeout() != 30*time.Second {
		t.Errorf("Default timeout mismatch: got %v, want 30s", cfg.Wasm.Timeout())
	}

	if cfg.Wasm.TrackAllocations {
		t.Error("Allocation tracking should be disabled by default")
	}

	env := cfg.Runtime.EnvMap()
	if env["BLS_REQUEST_METHOD"] != "GET" || env["BLS_REQUEST_PATH"] != "/" {
		t.Errorf("Default request env mismatch: got %v", env)
	}
	if _, ok := env["BLS_REQUEST_QUERY"]; !ok {
		t.Error("BLS_REQUEST_QUERY should be present even when empty")
	}

	if cfg.IPFS.APIURL != "http://127.0.0.1:5001" {
		t.Errorf("Default IPFS API URL mismatch: got %s", cfg.IPFS.APIURL)
	}

	if cfg.HTTP.Timeout != 30*time.Second {
		t.Errorf("Default HTTP timeout mismatch: got %v", cfg.HTTP.Timeout)
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
wasm:
  memory_pages: 30
  track_allocations: true
runtime:
  args: ["--verbose"]
  env: ["GREETING=hello", "BLS_REQUEST_PATH=/api"]
  permissions: ["https://example.com/"]
  preopens: ["/Data=/srv/data"]
http:
  timeout: 5s
tracing:
  enabled: true
  exporter: noop
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Log level mismatch: got %s, want debug", cfg.LogLevel)
	}
	if cfg.Wasm.MemoryPages != 30 {
		t.Errorf("Memory pages mismatch: got %d, want 30", cfg.Wasm.MemoryPages)
	}
	if !cfg.Wasm.TrackAllocations {
		t.Error("Allocation tracking should be enabled")
	}
	if len(cfg.Runtime.Args) != 1 || cfg.Runtime.Args[0] != "--verbose" {
		t.Errorf("Args mismatch: got %v", cfg.Runtime.Args)
	}
	env := cfg.Runtime.EnvMap()
	if env["GREETING"] != "hello" || env["BLS_REQUEST_PATH"] != "/api" {
		t.Errorf("Env mismatch: got %v", env)
	}
	if len(cfg.Runtime.Permissions) != 1 {
		t.Errorf("Permissions mismatch: got %v", cfg.Runtime.Permissions)
	}
	if got := cfg.Runtime.PreopenMap(); len(got) != 1 || got["/Data"] != "/srv/data" {
		t.Errorf("Preopens mismatch: got %v", got)
	}
	if cfg.HTTP.Timeout != 5*time.Second {
		t.Errorf("HTTP timeout mismatch: got %v, want 5s", cfg.HTTP.Timeout)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "noop" {
		t.Errorf("Tracing mismatch: got %+v", cfg.Tracing)
	}
}

func TestLoadServerConfigEnvOverride(t *testing.T) {
	t.Setenv("BLS_WASM_MEMORY_PAGES", "64")
	t.Setenv("BLS_LOG_LEVEL", "warn")

	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Wasm.MemoryPages != 64 {
		t.Errorf("Env override for memory pages not applied: got %d", cfg.Wasm.MemoryPages)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Env override for log level not applied: got %s", cfg.LogLevel)
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "log_level: verbose\n"},
		{"zero memory pages", "wasm:\n  memory_pages: 0\n"},
		{"bad exporter", "tracing:\n  exporter: jaeger\n"},
		{"bad ipfs url", "ipfs:\n  api_url: not a url\n"},
		{"preopen without host dir", "runtime:\n  preopens: [\"/data\"]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadServerConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvMapIgnoresMalformedEntries(t *testing.T) {
	rc := RuntimeConfig{Env: []string{"A=1", "broken", "=x", "A=2", "B="}}
	env := rc.EnvMap()

	if len(env) != 2 {
		t.Fatalf("expected 2 entries, got %v", env)
	}
	if env["A"] != "2" {
		t.Errorf("later entry should win: got %q", env["A"])
	}
	if v, ok := env["B"]; !ok || v != "" {
		t.Errorf("empty value should be kept: got %q, %v", v, ok)
	}
}

func TestPreopenMap(t *testing.T) {
	rc := RuntimeConfig{Preopens: []string{"/data=/srv/a", "broken", "=/srv/x", "/tmp=", "/data=/srv/b"}}
	preopens := rc.PreopenMap()

	if len(preopens) != 1 {
		t.Fatalf("expected 1 entry, got %v", preopens)
	}
	if preopens["/data"] != "/srv/b" {
		t.Errorf("later entry should win: got %q", preopens["/data"])
	}
}
