package config

import (
	"time"

	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/telemetry"
)

// Config is the integrator configuration.
type Config struct {
	// Environment is the deployment environment.
	Environment string `yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`

	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Scan      ScanConfig      `yaml:"scan" json:"scan"`
	Install   InstallConfig   `yaml:"install" json:"install"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" json:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file; ":memory:" is allowed.
	Path string `yaml:"path" json:"path" validate:"required_if=Driver sqlite"`
}

// PolicyConfig selects the auto-approval policy.
type PolicyConfig struct {
	// Kind is one of default, manual, rego or starlark.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=default manual rego starlark"`

	// Paths are Rego files or directories. Empty uses the built-in module.
	Paths []string `yaml:"paths" json:"paths"`

	// Query overrides the Rego decision query.
	Query string `yaml:"query" json:"query"`

	// Watch reloads Rego paths on change.
	Watch bool `yaml:"watch" json:"watch"`

	// Script is the Starlark policy file.
	Script string `yaml:"script" json:"script" validate:"required_if=Kind starlark"`

	// Timeout bounds one Starlark evaluation.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// PreVetted overrides the pre-vetted resource types per provider.
	PreVetted map[string][]string `yaml:"prevetted" json:"prevetted"`
}

// ScanConfig configures discovery scans.
type ScanConfig struct {
	Cooldown        time.Duration            `yaml:"cooldown" json:"cooldown" validate:"gte=0"`
	DefaultDuration time.Duration            `yaml:"default_duration" json:"default_duration" validate:"gt=0"`
	Durations       map[string]time.Duration `yaml:"durations" json:"durations" validate:"dive,gt=0"`
	TickInterval    time.Duration            `yaml:"tick_interval" json:"tick_interval" validate:"gt=0"`
}

// InstallConfig configures installation and connection tests.
type InstallConfig struct {
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=64"`
}

// ProvidersConfig configures the simulated provider connectors.
type ProvidersConfig struct {
	// Latency is added to every provider call.
	Latency time.Duration `yaml:"latency" json:"latency" validate:"gte=0"`

	// Catalog replaces the resources reported by discovery, per provider.
	Catalog map[string][]CatalogEntry `yaml:"catalog" json:"catalog" validate:"dive,dive"`
}

// CatalogEntry is one resource reported by a simulated discovery.
type CatalogEntry struct {
	ResourceID   string `yaml:"resource_id" json:"resource_id" validate:"required"`
	Type         string `yaml:"type" json:"type" validate:"required"`
	DatabaseType string `yaml:"database_type" json:"database_type"`
	Region       string `yaml:"region" json:"region"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"required,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"required,oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"required"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace" validate:"required_if=Enabled true"`

	// ListenAddress starts a dedicated metrics listener. The API always
	// serves /metrics.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	scan := engine.DefaultScanConfig()
	durations := make(map[string]time.Duration, len(scan.Durations))
	for p, d := range scan.Durations {
		durations[string(p)] = d
	}

	return &Config{
		Environment: "development",
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "integrator.db",
		},
		Policy: PolicyConfig{
			Kind:    "default",
			Timeout: 5 * time.Second,
		},
		Scan: ScanConfig{
			Cooldown:        scan.Cooldown,
			DefaultDuration: scan.DefaultDuration,
			Durations:       durations,
			TickInterval:    time.Second,
		},
		Install: InstallConfig{Workers: 4},
		Providers: ProvidersConfig{
			Latency: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "integrator",
		},
	}
}

// EngineScanConfig converts the scan section for engine.Options.
func (c *Config) EngineScanConfig() engine.ScanConfig {
	durations := make(map[engine.CloudProvider]time.Duration, len(c.Scan.Durations))
	for p, d := range c.Scan.Durations {
		durations[engine.CloudProvider(p)] = d
	}
	return engine.ScanConfig{
		Cooldown:        c.Scan.Cooldown,
		Durations:       durations,
		DefaultDuration: c.Scan.DefaultDuration,
	}
}

// PreVettedTypes converts the policy override, or returns nil when unset.
func (c *Config) PreVettedTypes() map[engine.CloudProvider][]engine.ResourceType {
	if len(c.Policy.PreVetted) == 0 {
		return nil
	}
	out := make(map[engine.CloudProvider][]engine.ResourceType, len(c.Policy.PreVetted))
	for p, types := range c.Policy.PreVetted {
		for _, t := range types {
			out[engine.CloudProvider(p)] = append(out[engine.CloudProvider(p)], engine.ResourceType(t))
		}
	}
	return out
}

// ProviderCatalog converts the configured catalog into discovery results.
// Providers without entries are absent and keep the built-in catalog.
func (c *Config) ProviderCatalog() map[engine.CloudProvider][]engine.DiscoveredResource {
	if len(c.Providers.Catalog) == 0 {
		return nil
	}
	out := make(map[engine.CloudProvider][]engine.DiscoveredResource, len(c.Providers.Catalog))
	for p, entries := range c.Providers.Catalog {
		for _, e := range entries {
			out[engine.CloudProvider(p)] = append(out[engine.CloudProvider(p)], engine.DiscoveredResource{
				ResourceID:   e.ResourceID,
				Type:         engine.ResourceType(e.Type),
				DatabaseType: e.DatabaseType,
				Region:       e.Region,
			})
		}
	}
	return out
}

// TelemetryConfig builds the telemetry configuration for version.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if c.Environment == "production" {
		cfg = telemetry.ProductionConfig()
	}
	cfg.ServiceVersion = version
	cfg.Environment = c.Environment
	cfg.Logging.Level = c.Logging.Level
	cfg.Logging.Format = c.Logging.Format
	cfg.Logging.Output = c.Logging.Output
	cfg.Tracing.Enabled = c.Tracing.Enabled
	cfg.Tracing.Exporter = c.Tracing.Exporter
	cfg.Tracing.Endpoint = c.Tracing.Endpoint
	cfg.Tracing.SamplingRate = c.Tracing.SamplingRate
	cfg.Tracing.Insecure = c.Tracing.Insecure
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.Namespace = c.Metrics.Namespace
	cfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	return cfg
}
