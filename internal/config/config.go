package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/trialopt/internal/logging"
	"github.com/me/trialopt/pkg/model"
)

// Config is the complete description of an optimization run.
type Config struct {
	Run        Run        `yaml:"run"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Platform   Platform   `yaml:"platform"`
	Metrics    Metrics    `yaml:"metrics"`
	Strategy   Strategy   `yaml:"strategy"`
	Logging    Logging    `yaml:"logging"`
	StatusAddr string     `yaml:"status_addr"`
}

// Run holds the scheduler settings.
type Run struct {
	Concurrency     int             `yaml:"concurrency"`
	Budget          int             `yaml:"budget"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
	Direction       model.Direction `yaml:"direction"`
	TargetMetric    string          `yaml:"target_metric"`
	MaxPollFailures int             `yaml:"max_poll_failures"`
	CallTimeout     time.Duration   `yaml:"call_timeout"`
	Retry           Retry           `yaml:"retry"`
}

// Retry bounds the attempts made for a single remote call.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Checkpoint selects where run state is persisted.
type Checkpoint struct {
	Backend string `yaml:"backend"` // file | sqlite | redis
	// Path is the file or database path, or the key when Backend is redis.
	Path             string `yaml:"path"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisDB          int    `yaml:"redis_db"`
	RedisPasswordEnv string `yaml:"redis_password_env"`
}

// RedisPassword reads the password from the configured environment variable.
func (c Checkpoint) RedisPassword() string {
	if c.RedisPasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.RedisPasswordEnv)
}

// Platform configures the Seqera Platform connection and launch template.
type Platform struct {
	URL            string   `yaml:"url"`
	TokenEnv       string   `yaml:"token_env"`
	WorkspaceID    string   `yaml:"workspace_id"`
	ComputeEnvID   string   `yaml:"compute_env_id"`
	Pipeline       string   `yaml:"pipeline"`
	Revision       string   `yaml:"revision"`
	WorkDir        string   `yaml:"work_dir"`
	ConfigProfiles []string `yaml:"config_profiles"`
	RunNamePrefix  string   `yaml:"run_name_prefix"`
}

// Token returns the access token from the configured environment variable.
func (p Platform) Token() string {
	return os.Getenv(p.TokenEnv)
}

// Metrics configures how results are extracted from finished trials.
type Metrics struct {
	Backend   string `yaml:"backend"` // s3 | status
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Artifact  string `yaml:"artifact"`
	Objective string `yaml:"objective"`
}

// Strategy configures the search strategy and its parameter space.
type Strategy struct {
	Kind          string      `yaml:"kind"` // grid | random
	Seed          int64       `yaml:"seed"`
	MaxCandidates int         `yaml:"max_candidates"`
	Parameters    []Parameter `yaml:"parameters"`
}

// Parameter is one dimension of the search space.
type Parameter struct {
	Name   string  `yaml:"name"`
	Type   string  `yaml:"type"` // int | float | choice
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Step   float64 `yaml:"step"`
	Values []any   `yaml:"values"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Parameter types.
const (
	ParamInt    = "int"
	ParamFloat  = "float"
	ParamChoice = "choice"
)

// Backend and strategy names.
const (
	BackendFile    = "file"
	BackendSQLite  = "sqlite"
	BackendRedis   = "redis"
	MetricsS3      = "s3"
	MetricsStatus  = "status"
	StrategyGrid   = "grid"
	StrategyRandom = "random"
)

// Defaults match the hello pipeline demo:
// two parallel trials, twenty trials in total, one status sweep per minute.
const (
	DefaultConcurrency     = 2
	DefaultBudget          = 20
	DefaultPollInterval    = 60 * time.Second
	DefaultMaxPollFailures = 5
	DefaultCallTimeout     = 2 * time.Minute
	DefaultPlatformURL     = "https://api.cloud.seqera.io"
	DefaultTokenEnv        = "TOWER_ACCESS_TOKEN"
	DefaultArtifact        = "final_metrics.json"
	DefaultRunNamePrefix   = "trialopt"
)

// Load reads, defaults and validates the configuration at path.
// Every failure is a *model.ConfigError.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the file at path and applies defaults without validating, so
// callers can layer command-line overrides before calling Validate.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Message: "reading " + path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, &model.ConfigError{Message: "parsing " + path, Err: err}
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	r := &c.Run
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.Budget == 0 {
		r.Budget = DefaultBudget
	}
	if r.PollInterval == 0 {
		r.PollInterval = DefaultPollInterval
	}
	if r.MaxPollFailures == 0 {
		r.MaxPollFailures = DefaultMaxPollFailures
	}
	if r.CallTimeout == 0 {
		r.CallTimeout = DefaultCallTimeout
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = 3
	}
	if r.Retry.BaseBackoff == 0 {
		r.Retry.BaseBackoff = 2 * time.Second
	}
	if r.Retry.MaxBackoff == 0 {
		r.Retry.MaxBackoff = 30 * time.Second
	}
	r.Direction = model.Direction(strings.ToLower(string(r.Direction)))

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = BackendFile
	}
	if c.Checkpoint.Path == "" {
		switch c.Checkpoint.Backend {
		case BackendSQLite:
			c.Checkpoint.Path = ".trialopt/checkpoint.db"
		case BackendRedis:
			c.Checkpoint.Path = "trialopt:checkpoint"
		default:
			c.Checkpoint.Path = ".trialopt/checkpoint.json"
		}
	}

	p := &c.Platform
	if p.URL == "" {
		p.URL = DefaultPlatformURL
	}
	p.URL = strings.TrimRight(p.URL, "/")
	if p.TokenEnv == "" {
		p.TokenEnv = DefaultTokenEnv
	}
	if p.RunNamePrefix == "" {
		p.RunNamePrefix = DefaultRunNamePrefix
	}

	m := &c.Metrics
	if m.Backend == "" {
		if m.Bucket != "" {
			m.Backend = MetricsS3
		} else {
			m.Backend = MetricsStatus
		}
	}
	if m.Artifact == "" {
		m.Artifact = DefaultArtifact
	}

	if c.Strategy.Kind == "" {
		c.Strategy.Kind = StrategyGrid
	}
	for i := range c.Strategy.Parameters {
		prm := &c.Strategy.Parameters[i]
		if prm.Type == "" {
			if len(prm.Values) > 0 {
				prm.Type = ParamChoice
			} else {
				prm.Type = ParamFloat
			}
		}
		if prm.Type == ParamInt && prm.Step == 0 {
			prm.Step = 1
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.FormatText
	}
}

// Validate checks the configuration and returns the first problem found as a
// *model.ConfigError.
func (c *Config) Validate() error {
	r := c.Run
	if r.Concurrency < 1 {
		return model.NewConfigError("run.concurrency", "must be at least 1, got %d", r.Concurrency)
	}
	if r.Budget < 1 {
		return model.NewConfigError("run.budget", "must be at least 1, got %d", r.Budget)
	}
	if r.PollInterval < 0 {
		return model.NewConfigError("run.poll_interval", "must not be negative")
	}
	if !r.Direction.Valid() {
		return model.NewConfigError("run.direction", "must be %q or %q, got %q", model.Maximize, model.Minimize, r.Direction)
	}
	if strings.TrimSpace(r.TargetMetric) == "" {
		return model.NewConfigError("run.target_metric", "is required")
	}
	if r.MaxPollFailures < 1 {
		return model.NewConfigError("run.max_poll_failures", "must be at least 1, got %d", r.MaxPollFailures)
	}
	if r.CallTimeout <= 0 {
		return model.NewConfigError("run.call_timeout", "must be positive")
	}
	if r.Retry.MaxAttempts < 1 {
		return model.NewConfigError("run.retry.max_attempts", "must be at least 1, got %d", r.Retry.MaxAttempts)
	}
	if r.Retry.BaseBackoff < 0 || r.Retry.MaxBackoff < 0 {
		return model.NewConfigError("run.retry", "backoff must not be negative")
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return model.NewConfigError("checkpoint.redis_addr", "is required for the redis backend")
		}
		if c.Checkpoint.RedisDB < 0 {
			return model.NewConfigError("checkpoint.redis_db", "must not be negative, got %d", c.Checkpoint.RedisDB)
		}
	default:
		return model.NewConfigError("checkpoint.backend", "must be one of %q, %q or %q, got %q", BackendFile, BackendSQLite, BackendRedis, c.Checkpoint.Backend)
	}

	if c.Platform.WorkspaceID == "" {
		return model.NewConfigError("platform.workspace_id", "is required")
	}
	if c.Platform.Pipeline == "" {
		return model.NewConfigError("platform.pipeline", "is required")
	}
	if !strings.HasPrefix(c.Platform.URL, "http://") && !strings.HasPrefix(c.Platform.URL, "https://") {
		return model.NewConfigError("platform.url", "must be an http(s) URL, got %q", c.Platform.URL)
	}

	switch c.Metrics.Backend {
	case MetricsStatus:
	case MetricsS3:
		if c.Metrics.Bucket == "" {
			return model.NewConfigError("metrics.bucket", "is required for the s3 backend")
		}
	default:
		return model.NewConfigError("metrics.backend", "must be %q or %q, got %q", MetricsS3, MetricsStatus, c.Metrics.Backend)
	}

	if err := c.Strategy.validate(); err != nil {
		return err
	}

	if _, err := logging.LookupLevel(c.Logging.Level); err != nil {
		return &model.ConfigError{Field: "logging.level", Message: "invalid", Err: err}
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return model.NewConfigError("logging.format", "must be %q or %q, got %q", logging.FormatText, logging.FormatJSON, c.Logging.Format)
	}
	return nil
}

func (s Strategy) validate() error {
	switch s.Kind {
	case StrategyGrid, StrategyRandom:
	default:
		return model.NewConfigError("strategy.kind", "must be %q or %q, got %q", StrategyGrid, StrategyRandom, s.Kind)
	}
	if s.MaxCandidates < 0 {
		return model.NewConfigError("strategy.max_candidates", "must not be negative")
	}
	if len(s.Parameters) == 0 {
		return model.NewConfigError("strategy.parameters", "at least one parameter is required")
	}
	seen := make(map[string]bool, len(s.Parameters))
	for i, p := range s.Parameters {
		field := fmt.Sprintf("strategy.parameters[%d]", i)
		if p.Name == "" {
			return model.NewConfigError(field+".name", "is required")
		}
		if seen[p.Name] {
			return model.NewConfigError(field+".name", "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case ParamChoice:
			if len(p.Values) == 0 {
				return model.NewConfigError(field+".values", "choice parameter %q needs at least one value", p.Name)
			}
		case ParamInt, ParamFloat:
			if p.Max < p.Min {
				return model.NewConfigError(field, "max (%v) is below min (%v)", p.Max, p.Min)
			}
			if p.Step < 0 {
				return model.NewConfigError(field+".step", "must not be negative")
			}
			if s.Kind == StrategyGrid && p.Type == ParamFloat && p.Step == 0 && p.Max > p.Min {
				return model.NewConfigError(field+".step", "grid search over float parameter %q needs a step", p.Name)
			}
		default:
			return model.NewConfigError(field+".type", "must be int, float or choice, got %q", p.Type)
		}
	}
	return nil
}
