package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

const (
	CheckpointFile     = "file"
	CheckpointPostgres = "postgres"
	CheckpointMemory   = "memory"

	DeadLetterFile = "file"
	DeadLetterNone = "none"
)

type Config struct {
	App        AppConfig                 `yaml:"app"`
	Log        LogConfig                 `yaml:"log"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Checkpoint CheckpointConfig          `yaml:"checkpoint"`
	DeadLetter DeadLetterConfig          `yaml:"dead_letter"`
	Policy     ports.Policy              `yaml:"policy"` // default for pipelines without their own
	Resources  map[string]ResourceConfig `yaml:"resources"`
	Pipelines  []PipelineConfig          `yaml:"pipelines"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Pipeline string `yaml:"pipeline"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type CheckpointConfig struct {
	Kind     string `yaml:"kind"`
	Dir      string `yaml:"dir"`
	Resource string `yaml:"resource"` // postgres resource holding the table
	Table    string `yaml:"table"`
}

type DeadLetterConfig struct {
	Kind string `yaml:"kind"`
	Dir  string `yaml:"dir"`
}

// ResourceConfig names a connector kind and its options. Options are decoded
// strictly by the kind when the resource is opened.
type ResourceConfig struct {
	Kind    string         `yaml:"kind"`
	Options map[string]any `yaml:"options"`
}

type Endpoint struct {
	Resource   string `yaml:"resource"`
	Collection string `yaml:"collection"`
}

type TransformConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

type PipelineConfig struct {
	ID          string          `yaml:"id"`
	Source      Endpoint        `yaml:"source"`
	Transform   TransformConfig `yaml:"transform"`
	Destination Endpoint        `yaml:"destination"`
	Policy      *ports.Policy   `yaml:"policy"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, expands ${VAR} references in resource options, applies
// defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	for name, rc := range cfg.Resources {
		expanded, err := expandEnv(rc.Options)
		if err != nil {
			return nil, fmt.Errorf("%w: resource %s: %v", domain.ErrInvalidConfig, name, err)
		}
		rc.Options, _ = expanded.(map[string]any)
		cfg.Resources[name] = rc
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "relay"
	}
	if c.App.Pipeline == "" {
		c.App.Pipeline = "relay-pipeline-" + c.App.Name
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Checkpoint.Kind == "" {
		c.Checkpoint.Kind = CheckpointFile
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "./data/checkpoints"
	}
	if c.DeadLetter.Kind == "" {
		c.DeadLetter.Kind = DeadLetterFile
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = "./data/deadletters"
	}
	c.Policy.ApplyDefaults()

	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.ID == "" {
			p.ID = c.PipelineID(p.Source, p.Destination)
		}
		if p.Transform.Name == "" {
			p.Transform.Name = "identity"
		}
		if p.Policy == nil {
			pol := c.Policy
			p.Policy = &pol
		} else {
			p.Policy.ApplyDefaults()
		}
	}
}

// PipelineID derives the stable id used to key checkpoints when a pipeline
// has none configured.
func (c *Config) PipelineID(src, dst Endpoint) string {
	return fmt.Sprintf("%s_%s.%s_to_%s.%s", c.App.Pipeline, src.Resource, src.Collection, dst.Resource, dst.Collection)
}

// Validate checks the configuration. Names in external are resources supplied
// in code rather than under resources.
func (c *Config) Validate(external ...string) error {
	if err := c.validate(external); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validate(external []string) error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", c.Log.Format)
	}

	for name, rc := range c.Resources {
		if rc.Kind == "" {
			return fmt.Errorf("resources.%s.kind is required", name)
		}
	}

	switch c.Checkpoint.Kind {
	case CheckpointFile, CheckpointMemory:
	case CheckpointPostgres:
		rc, ok := c.Resources[c.Checkpoint.Resource]
		if !ok || rc.Kind != "postgres" {
			return fmt.Errorf("checkpoint.resource %q must name a postgres resource", c.Checkpoint.Resource)
		}
	default:
		return fmt.Errorf("checkpoint.kind %q is not one of file, postgres, memory", c.Checkpoint.Kind)
	}

	switch c.DeadLetter.Kind {
	case DeadLetterFile, DeadLetterNone:
	default:
		return fmt.Errorf("dead_letter.kind %q is not one of file, none", c.DeadLetter.Kind)
	}

	if err := c.Policy.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if err := c.validatePipeline(p, external); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.ID, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("pipeline id %s is used twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func (c *Config) validatePipeline(p PipelineConfig, external []string) error {
	for role, ep := range map[string]Endpoint{"source": p.Source, "destination": p.Destination} {
		if ep.Collection == "" {
			return fmt.Errorf("%s.collection is required", role)
		}
		if _, ok := c.Resources[ep.Resource]; !ok && !slices.Contains(external, ep.Resource) {
			return fmt.Errorf("%s.resource %q is not defined", role, ep.Resource)
		}
	}
	if p.Policy != nil {
		return p.Policy.Validate()
	}
	return nil
}

// Logger builds the process logger described by the log section.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} in every string below v.
func expandEnv(v any) (any, error) {
	switch val := v.(type) {
	case string:
		var missing []string
		out := envRef.ReplaceAllStringFunc(val, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			env, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
			}
			return env
		})
		if len(missing) > 0 {
			return nil, fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

