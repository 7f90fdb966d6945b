// Package config loads runtime configuration from defaults, an optional
// YAML file, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Events   EventsConfig   `mapstructure:"events"`
	Projects ProjectsConfig `mapstructure:"projects"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig holds the embedded database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// UploadsConfig holds the upload sandbox settings.
type UploadsConfig struct {
	Root     string `mapstructure:"root"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// EngineConfig holds the scheduler and limit settings.
type EngineConfig struct {
	MaxConcurrentTasks  int  `mapstructure:"max_concurrent_tasks"`
	MaxQueuedPerProject int  `mapstructure:"max_queued_per_project"`
	DefaultTokenBudget  int  `mapstructure:"default_token_budget"`
	DefaultTimeoutMS    int  `mapstructure:"default_timeout_ms"`
	SilenceTimeoutMS    int  `mapstructure:"silence_timeout_ms"`
	ApprovalTimeoutMS   int  `mapstructure:"approval_timeout_ms"`
	ReplayTimeoutMS     int  `mapstructure:"replay_timeout_ms"`
	TickIntervalMS      int  `mapstructure:"tick_interval_ms"`
	SummarizerEnabled   bool `mapstructure:"summarizer_enabled"`
	ShutdownGraceMS     int  `mapstructure:"shutdown_grace_ms"`
}

// AgentConfig holds the Agent CLI invocation settings.
type AgentConfig struct {
	Binary       string `mapstructure:"binary"`
	APIKeyEnv    string `mapstructure:"api_key_env"`
	SessionTTLMS int    `mapstructure:"session_ttl_ms"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// ProjectsConfig points at the project definition file.
type ProjectsConfig struct {
	File string `mapstructure:"file"`
}

// Load reads configuration from defaults, an optional config.yaml, and
// REMOTEWIZ_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REMOTEWIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/remotewiz/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	v.SetDefault("database.path", "data/remotewiz.db")

	v.SetDefault("uploads.root", "data/uploads")
	v.SetDefault("uploads.max_bytes", 10*1024*1024)

	v.SetDefault("engine.max_concurrent_tasks", 3)
	v.SetDefault("engine.max_queued_per_project", 5)
	v.SetDefault("engine.default_token_budget", 100000)
	v.SetDefault("engine.default_timeout_ms", 600000)
	v.SetDefault("engine.silence_timeout_ms", 90000)
	v.SetDefault("engine.approval_timeout_ms", 1800000)
	v.SetDefault("engine.replay_timeout_ms", 120000)
	v.SetDefault("engine.tick_interval_ms", 2000)
	v.SetDefault("engine.summarizer_enabled", true)
	v.SetDefault("engine.shutdown_grace_ms", 30000)

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("agent.session_ttl_ms", 24*60*60*1000)

	v.SetDefault("events.nats_url", "")

	v.SetDefault("projects.file", "projects.yaml")
}

// bindLegacyEnv keeps the short environment names from earlier deployments
// working alongside the prefixed ones.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("engine.max_concurrent_tasks", "REMOTEWIZ_ENGINE_MAX_CONCURRENT_TASKS", "MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("engine.max_queued_per_project", "REMOTEWIZ_ENGINE_MAX_QUEUED_PER_PROJECT", "MAX_QUEUED_PER_PROJECT")
	_ = v.BindEnv("engine.default_token_budget", "REMOTEWIZ_ENGINE_DEFAULT_TOKEN_BUDGET", "DEFAULT_TOKEN_BUDGET")
	_ = v.BindEnv("engine.default_timeout_ms", "REMOTEWIZ_ENGINE_DEFAULT_TIMEOUT_MS", "DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("engine.silence_timeout_ms", "REMOTEWIZ_ENGINE_SILENCE_TIMEOUT_MS", "SILENCE_TIMEOUT_MS")
	_ = v.BindEnv("engine.approval_timeout_ms", "REMOTEWIZ_ENGINE_APPROVAL_TIMEOUT_MS", "APPROVAL_TIMEOUT_MS")
	_ = v.BindEnv("engine.replay_timeout_ms", "REMOTEWIZ_ENGINE_REPLAY_TIMEOUT_MS", "REPLAY_TIMEOUT_MS")
	_ = v.BindEnv("engine.summarizer_enabled", "REMOTEWIZ_ENGINE_SUMMARIZER_ENABLED", "SUMMARIZER_ENABLED")
}

func (c *Config) validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path must not be empty")
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, "uploads.max_bytes must be positive")
	}
	if c.Engine.MaxConcurrentTasks < 1 {
		errs = append(errs, "engine.max_concurrent_tasks must be at least 1")
	}
	if c.Engine.MaxQueuedPerProject < 1 {
		errs = append(errs, "engine.max_queued_per_project must be at least 1")
	}
	if c.Engine.DefaultTokenBudget < 1 {
		errs = append(errs, "engine.default_token_budget must be positive")
	}
	for name, ms := range map[string]int{
		"engine.default_timeout_ms":  c.Engine.DefaultTimeoutMS,
		"engine.silence_timeout_ms":  c.Engine.SilenceTimeoutMS,
		"engine.approval_timeout_ms": c.Engine.ApprovalTimeoutMS,
		"engine.replay_timeout_ms":   c.Engine.ReplayTimeoutMS,
		"engine.tick_interval_ms":    c.Engine.TickIntervalMS,
		"agent.session_ttl_ms":       c.Agent.SessionTTLMS,
	} {
		if ms < 1 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}
	if c.Agent.Binary == "" {
		errs = append(errs, "agent.binary must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Timeout helpers keep duration math in one place.

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Engine.DefaultTimeoutMS) * time.Millisecond
}

func (c *Config) SilenceTimeout() time.Duration {
	return time.Duration(c.Engine.SilenceTimeoutMS) * time.Millisecond
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Engine.ApprovalTimeoutMS) * time.Millisecond
}

func (c *Config) ReplayTimeout() time.Duration {
	return time.Duration(c.Engine.ReplayTimeoutMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalMS) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Agent.SessionTTLMS) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Engine.ShutdownGraceMS) * time.Millisecond
}
