package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/runstore"
	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

// Config is the main configuration structure for agentrun.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Run           RunConfig           `yaml:"run"`
	Lease         LeaseConfig         `yaml:"lease"`
	Tools         ToolsConfig         `yaml:"tools"`
	Provider      ProviderConfig      `yaml:"provider"`
	Observability ObservabilityConfig `yaml:"observability"`
	Reaper        ReaperConfig        `yaml:"reaper"`
}

type DatabaseConfig struct {
	// Driver is postgres, sqlite or sqlite3 (cgo builds only).
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// UsageSpool is an optional sqlite path that receives usage records the
	// primary store could not accept.
	UsageSpool string `yaml:"usage_spool"`
}

type RunConfig struct {
	Strategy         string        `yaml:"strategy"`
	ExecuteOnStream  bool          `yaml:"execute_on_stream"`
	AutoExecute      *bool         `yaml:"auto_execute"`
	NativeToolCalls  *bool         `yaml:"native_tool_calls"`
	MarkupToolCalls  bool          `yaml:"markup_tool_calls"`
	MaxSteps         int           `yaml:"max_steps"`
	TerminatingTools []string      `yaml:"terminating_tools"`
	ContinueReasons  []string      `yaml:"continue_reasons"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	MaxTokens        int           `yaml:"max_tokens"`
}

type LeaseConfig struct {
	OwnerID         string        `yaml:"owner_id"`
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type ToolsConfig struct {
	// PolicyFile is a YAML or JSON policy document watched for changes.
	// When set it replaces Policy.
	PolicyFile string `yaml:"policy_file"`

	// Dependencies declares requirements beyond each tool's own.
	Dependencies map[string][]string `yaml:"dependencies"`

	// Preload lists tools activated when a run starts.
	Preload []string `yaml:"preload"`

	Policy policy.Config `yaml:"policy"`
}

type ProviderConfig struct {
	// Name is openai, anthropic or replay.
	Name        string `yaml:"name"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	MaxAttempts int    `yaml:"max_attempts"`

	// Tape is the recording replayed by the replay provider.
	Tape string `yaml:"tape"`

	// Record saves every run's model streams and tool runs to this path.
	Record string `yaml:"record"`
}

type ObservabilityConfig struct {
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type ReaperConfig struct {
	Schedule       string        `yaml:"schedule"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = runstore.DriverPostgres
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	def := agent.DefaultRunConfig()
	if cfg.Run.Strategy == "" {
		cfg.Run.Strategy = string(def.Strategy)
	}
	if cfg.Run.AutoExecute == nil {
		cfg.Run.AutoExecute = &def.AutoExecute
	}
	if cfg.Run.NativeToolCalls == nil {
		cfg.Run.NativeToolCalls = &def.NativeToolCalls
	}
	if cfg.Run.MaxSteps == 0 {
		cfg.Run.MaxSteps = def.MaxSteps
	}
	if cfg.Run.FlushInterval == 0 {
		cfg.Run.FlushInterval = def.FlushInterval
	}
	if cfg.Run.MaxConcurrency == 0 {
		cfg.Run.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Run.MaxTokens == 0 {
		cfg.Run.MaxTokens = def.MaxTokens
	}

	lease := runstore.DefaultLeaseConfig()
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = lease.TTL
	}
	if cfg.Lease.RefreshInterval == 0 {
		cfg.Lease.RefreshInterval = lease.RefreshInterval
	}
	if cfg.Lease.OwnerID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Lease.OwnerID = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Provider.MaxAttempts == 0 {
		cfg.Provider.MaxAttempts = 3
	}

	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}

	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = "@every 1m"
	}
	if cfg.Reaper.IdempotencyTTL == 0 {
		cfg.Reaper.IdempotencyTTL = 7 * 24 * time.Hour
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case runstore.DriverPostgres, runstore.DriverSQLite, runstore.DriverSQLite3:
	default:
		add("database.driver %q is not one of postgres, sqlite, sqlite3", c.Database.Driver)
	}
	if c.Database.MaxConnections < 0 {
		add("database.max_connections must be positive")
	}

	if !agent.ExecutionStrategy(c.Run.Strategy).Valid() {
		add("run.strategy %q must be sequential or parallel", c.Run.Strategy)
	}
	if c.Run.MaxSteps < 0 {
		add("run.max_steps must be positive")
	}
	if c.Run.FlushInterval < 0 || c.Run.ToolTimeout < 0 {
		add("run durations must not be negative")
	}
	if c.Run.MaxConcurrency < 0 {
		add("run.max_concurrency must not be negative")
	}
	if c.Run.NativeToolCalls != nil && !*c.Run.NativeToolCalls && !c.Run.MarkupToolCalls {
		add("run: at least one of native_tool_calls and markup_tool_calls must be enabled")
	}

	if c.Lease.TTL <= 0 {
		add("lease.ttl must be positive")
	}
	if c.Lease.RefreshInterval <= 0 || c.Lease.RefreshInterval >= c.Lease.TTL {
		add("lease.refresh_interval must be positive and shorter than lease.ttl")
	}

	for name, requires := range c.Tools.Dependencies {
		for _, req := range requires {
			if policy.NormalizeTool(req) == policy.NormalizeTool(name) {
				add("tools.dependencies: %s requires itself", name)
			}
		}
	}
	for _, entry := range append(append([]string{}, c.Tools.Policy.Deny...), agentEntries(c.Tools.Policy)...) {
		group, ok := strings.CutPrefix(entry, policy.GroupPrefix)
		if !ok {
			continue
		}
		if _, found := c.Tools.Policy.Groups[group]; !found {
			add("tools.policy references unknown group %q", group)
		}
	}

	switch c.Provider.Name {
	case "openai", "anthropic":
		if strings.TrimSpace(c.Provider.APIKey) == "" {
			add("provider.api_key is required for %s", c.Provider.Name)
		}
	case "replay":
		if strings.TrimSpace(c.Provider.Tape) == "" {
			add("provider.tape is required for replay")
		}
	default:
		add("provider.name %q is not one of openai, anthropic, replay", c.Provider.Name)
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		add("observability.log_format %q must be json or text", c.Observability.LogFormat)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be within [0, 1]")
	}

	if c.Reaper.IdempotencyTTL < 0 {
		add("reaper.idempotency_ttl must not be negative")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func agentEntries(cfg policy.Config) []string {
	var entries []string
	for _, tools := range cfg.Agents {
		for name := range tools {
			entries = append(entries, name)
		}
	}
	return entries
}

// RunConfig converts the run section.
func (c *Config) RunConfig() agent.RunConfig {
	rc := agent.DefaultRunConfig()
	rc.Strategy = agent.ExecutionStrategy(c.Run.Strategy)
	rc.ExecuteOnStream = c.Run.ExecuteOnStream
	if c.Run.AutoExecute != nil {
		rc.AutoExecute = *c.Run.AutoExecute
	}
	if c.Run.NativeToolCalls != nil {
		rc.NativeToolCalls = *c.Run.NativeToolCalls
	}
	rc.MarkupToolCalls = c.Run.MarkupToolCalls
	rc.MaxSteps = c.Run.MaxSteps
	rc.TerminatingTools = c.Run.TerminatingTools
	rc.ContinueReasons = c.Run.ContinueReasons
	rc.FlushInterval = c.Run.FlushInterval
	rc.MaxConcurrency = c.Run.MaxConcurrency
	rc.ToolTimeout = c.Run.ToolTimeout
	rc.MaxTokens = c.Run.MaxTokens
	return rc
}

// LeaseConfig converts the lease section.
func (c *Config) LeaseConfig() runstore.LeaseConfig {
	lc := runstore.DefaultLeaseConfig()
	lc.OwnerID = c.Lease.OwnerID
	lc.TTL = c.Lease.TTL
	lc.RefreshInterval = c.Lease.RefreshInterval
	return lc
}

// DBConfig converts the database section.
func (c *Config) DBConfig() *runstore.DBConfig {
	db := runstore.DefaultDBConfig()
	db.Driver = c.Database.Driver
	db.URL = c.Database.URL
	db.MaxOpenConns = c.Database.MaxConnections
	db.ConnMaxLifetime = c.Database.ConnMaxLifetime
	return db
}

// ReaperConfig converts the reaper section.
func (c *Config) ReaperConfig() runstore.ReaperConfig {
	return runstore.ReaperConfig{Schedule: c.Reaper.Schedule, IdempotencyTTL: c.Reaper.IdempotencyTTL}
}
