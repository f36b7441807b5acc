package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/piiagent/integrator/pkg/engine"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	cfg := Defaults()
	if err := l.Validate(cfg); err != nil {
		t.Fatalf("Defaults() are invalid: %v", err)
	}
	if diff := cmp.Diff(engine.DefaultScanConfig(), cfg.EngineScanConfig()); diff != "" {
		t.Errorf("default scan config mismatch (-want +got):\n%s", diff)
	}
	if cfg.PreVettedTypes() != nil {
		t.Error("no pre-vetted override by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "integrator.yaml", `
environment: staging
server:
  listen_address: ":9000"
storage:
  driver: memory
policy:
  kind: rego
  paths: [/etc/integrator/policies]
  prevetted:
    AWS: [RDS, REDSHIFT]
scan:
  cooldown: 5m
  durations:
    AWS: 10s
install:
  workers: 8
providers:
  latency: 0s
  catalog:
    AWS:
      - resource_id: arn:aws:rds:db-1
        type: RDS
        database_type: MYSQL
tracing:
  enabled: true
  exporter: stdout
  sampling_rate: 0.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Environment != "staging" || cfg.Server.ListenAddress != ":9000" || cfg.Storage.Driver != "memory" {
		t.Errorf("top-level values not applied: %+v", cfg)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unset values keep defaults, got read timeout %s", cfg.Server.ReadTimeout)
	}

	scan := cfg.EngineScanConfig()
	if scan.Cooldown != 5*time.Minute || scan.Durations[engine.ProviderAWS] != 10*time.Second {
		t.Errorf("scan values not applied: %+v", scan)
	}
	if scan.Durations[engine.ProviderGCP] != 40*time.Second {
		t.Error("durations merge with the defaults")
	}

	want := map[engine.CloudProvider][]engine.ResourceType{engine.ProviderAWS: {engine.ResourceRDS, engine.ResourceRedshift}}
	if diff := cmp.Diff(want, cfg.PreVettedTypes()); diff != "" {
		t.Errorf("PreVettedTypes() mismatch (-want +got):\n%s", diff)
	}

	wantCatalog := []CatalogEntry{{ResourceID: "arn:aws:rds:db-1", Type: "RDS", DatabaseType: "MYSQL"}}
	if diff := cmp.Diff(wantCatalog, cfg.Providers.Catalog["AWS"]); diff != "" {
		t.Errorf("catalog mismatch (-want +got):\n%s", diff)
	}
	wantDiscovered := []engine.DiscoveredResource{{ResourceID: "arn:aws:rds:db-1", Type: engine.ResourceRDS, DatabaseType: "MYSQL"}}
	if diff := cmp.Diff(wantDiscovered, cfg.ProviderCatalog()[engine.ProviderAWS]); diff != "" {
		t.Errorf("ProviderCatalog() mismatch (-want +got):\n%s", diff)
	}
	if cfg.Install.Workers != 8 || cfg.Providers.Latency != 0 {
		t.Errorf("install/providers not applied: %+v %+v", cfg.Install, cfg.Providers)
	}

	tel := cfg.TelemetryConfig("1.2.3")
	if tel.ServiceVersion != "1.2.3" || !tel.Tracing.Enabled || tel.Tracing.SamplingRate != 0.5 {
		t.Errorf("telemetry config not derived: %+v", tel.Tracing)
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("derived telemetry config is invalid: %v", err)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeConfig(t, "integrator.cue", `
_minutes: 3
environment: "production"
scan: cooldown: "\(_minutes)m"
logging: {
	level:  "debug"
	format: "json"
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scan.Cooldown != 3*time.Minute {
		t.Errorf("Cooldown = %s, want 3m", cfg.Scan.Cooldown)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging not applied: %+v", cfg.Logging)
	}
	if cfg.TelemetryConfig("dev").Logging.Format != "json" {
		t.Error("production telemetry keeps the configured format")
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "unknown key", file: "c.yaml", content: "server:\n  port: 80\n", wantErr: "does not match schema"},
		{name: "bad duration", file: "c.yaml", content: "scan:\n  cooldown: soon\n", wantErr: "does not match schema"},
		{name: "unknown provider", file: "c.yaml", content: "scan:\n  durations:\n    OCI: 10s\n", wantErr: "does not match schema"},
		{name: "workers out of range", file: "c.json", content: `{"install": {"workers": 0}}`, wantErr: "does not match schema"},
		{name: "bad policy kind", file: "c.cue", content: `policy: kind: "always"`, wantErr: "does not match schema"},
		{name: "starlark without script", file: "c.yaml", content: "policy:\n  kind: starlark\n", wantErr: "invalid config"},
		{name: "sqlite without path", file: "c.yaml", content: "storage:\n  path: \"\"\n", wantErr: "invalid config"},
		{name: "otlp without endpoint", file: "c.yaml", content: "tracing:\n  enabled: true\n  exporter: otlp\n", wantErr: "tracing.endpoint"},
		{name: "malformed yaml", file: "c.yaml", content: "server: [\n", wantErr: "failed to parse"},
		{name: "unsupported format", file: "c.toml", content: "x = 1", wantErr: "unsupported config format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:      "DEBUG",
		EnvListenAddress: "127.0.0.1:7000",
		EnvDatabasePath:  "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	ApplyEnv(cfg, lookup)

	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:7000" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Storage.Path != "integrator.db" {
		t.Error("empty variables do not override")
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}
