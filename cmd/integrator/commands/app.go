package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/piiagent/integrator/pkg/config"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/policy"
	"github.com/piiagent/integrator/pkg/providers"
	"github.com/piiagent/integrator/pkg/stores"
	"github.com/piiagent/integrator/pkg/telemetry"
	"github.com/rs/zerolog"
)

// store is a repository that can report its health.
type store interface {
	engine.Repository
	HealthCheck(ctx context.Context) error
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    store
	registry *providers.Registry
	policy   engine.AutoApprovalPolicy
	rego     *policy.RegoPolicy
	orch     *engine.Orchestrator
	closers  []func() error
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	return cfg, nil
}

// newApp wires every component from the configuration.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })

	if a.store, err = openStore(ctx, cfg.Storage); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	logger := tel.Logger.Zerolog()
	if a.policy, a.rego, err = buildPolicy(ctx, cfg.Policy, cfg.PreVettedTypes(), logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.rego != nil {
		a.closers = append(a.closers, a.rego.Close)
	}

	a.registry = providers.NewRegistry(providers.Options{
		Latency: cfg.Providers.Latency,
		Catalog: cfg.ProviderCatalog(),
		Logger:  logger,
	})
	a.orch = engine.NewOrchestrator(a.store, a.registry.Connectors(), engine.Options{
		Policy:       a.policy,
		Scan:         cfg.EngineScanConfig(),
		Install:      engine.InstallConfig{Workers: cfg.Install.Workers},
		Telemetry:    tel,
		TickInterval: cfg.Scan.TickInterval,
	})
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.tel != nil {
			a.tel.Logger.WithError(err).Warn("Failed to release component")
		}
	}
	a.closers = nil
}

// openStore opens and migrates the configured repository.
func openStore(ctx context.Context, cfg config.StorageConfig) (store, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil
	}

	s, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// buildPolicy selects the auto-approval policy. The returned RegoPolicy is
// non-nil only for the rego kind.
func buildPolicy(ctx context.Context, cfg config.PolicyConfig, preVetted map[engine.CloudProvider][]engine.ResourceType, logger zerolog.Logger) (engine.AutoApprovalPolicy, *policy.RegoPolicy, error) {
	switch cfg.Kind {
	case "", "default":
		return engine.NewDefaultAutoApprovalPolicy(preVetted), nil, nil
	case "manual":
		return engine.ManualApprovalPolicy{}, nil, nil
	case "rego":
		p, err := policy.NewRegoPolicy(ctx, logger, policy.RegoOptions{
			Paths:     cfg.Paths,
			Query:     cfg.Query,
			PreVetted: preVetted,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load rego policy: %w", err)
		}
		return p, p, nil
	case "starlark":
		p, err := policy.LoadStarlarkPolicy(logger, cfg.Script, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load starlark policy: %w", err)
		}
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown policy kind %q", cfg.Kind)
	}
}
