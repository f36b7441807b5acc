package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvLogLevel      = "INTEGRATOR_LOG_LEVEL"
	EnvListenAddress = "INTEGRATOR_LISTEN_ADDRESS"
	EnvDatabasePath  = "INTEGRATOR_DB_PATH"
)

// Loader reads configuration files. YAML and JSON files are converted to CUE,
// every file is unified with the #Config schema and the result is decoded
// over Defaults and struct-validated.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader compiles the configuration schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Loader{
		ctx:      ctx,
		schema:   root.LookupPath(cue.ParsePath("#Config")),
		validate: validator.New(),
	}, nil
}

// Load reads path, or returns Defaults when path is empty. Environment
// overrides are applied before validation.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := l.Decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnv(cfg, os.LookupEnv)
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode checks data against the schema and decodes it into cfg. The file
// extension of name selects the format.
func (l *Loader) Decode(name string, data []byte, cfg *Config) error {
	value, err := l.compile(name, data)
	if err != nil {
		return err
	}

	unified := l.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config %s does not match schema: %s", name, errors.Details(err, nil))
	}

	out, err := cueyaml.Encode(unified)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

func (l *Loader) compile(name string, data []byte) (cue.Value, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		v := l.ctx.CompileBytes(data, cue.Filename(name))
		if err := v.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse %s: %s", name, errors.Details(err, nil))
		}
		return v, nil
	case ".yaml", ".yml", ".json":
		file, err := cueyaml.Extract(name, data)
		if err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		v := l.ctx.BuildFile(file)
		if err := v.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to build %s: %s", name, errors.Details(err, nil))
		}
		return v, nil
	default:
		return cue.Value{}, fmt.Errorf("unsupported config format: %s", name)
	}
}

// Validate checks the decoded configuration.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "otlp" && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid config: tracing.endpoint is required for the otlp exporter")
	}
	return nil
}

// ApplyEnv overrides cfg with the INTEGRATOR_* environment variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvListenAddress); ok && v != "" {
		cfg.Server.ListenAddress = v
	}
	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		cfg.Storage.Path = v
	}
}
