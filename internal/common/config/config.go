// Package config provides configuration management for dork.
// It supports loading configuration from environment variables, the
// config.json file under the dork home directory, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dork.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Session  SessionConfig  `mapstructure:"session"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	// Path is the SQLite file location. Empty means <home>/dork.db.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RelayConfig holds message bus configuration.
type RelayConfig struct {
	// AdapterTimeout bounds every outbound adapter delivery, in seconds.
	AdapterTimeout int `mapstructure:"adapterTimeout"`

	// DefaultMaxHops is applied to envelopes published without a budget.
	DefaultMaxHops int `mapstructure:"defaultMaxHops"`

	// DefaultTTL is the envelope lifetime in milliseconds when the caller
	// does not supply an absolute expiry.
	DefaultTTL int64 `mapstructure:"defaultTtl"`

	// DefaultCallBudget seeds callBudgetRemaining for new envelopes.
	DefaultCallBudget int `mapstructure:"defaultCallBudget"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds per-endpoint circuit breaker thresholds.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `mapstructure:"threshold"`
	// Cooldown is the base open window in seconds before a half-open probe.
	Cooldown int `mapstructure:"cooldown"`
	// MaxCooldown caps the exponentially extended window, in seconds.
	MaxCooldown int `mapstructure:"maxCooldown"`
}

// PulseConfig holds scheduler configuration.
type PulseConfig struct {
	// MaxConcurrentRuns is the global cap across all schedules.
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`
	// RunRetention is the per-schedule run history kept after pruning.
	RunRetention int `mapstructure:"runRetention"`
	// DefaultMaxRuntime bounds a run in seconds; 0 means unbounded.
	DefaultMaxRuntime int `mapstructure:"defaultMaxRuntime"`
}

// SessionConfig holds session manager configuration.
type SessionConfig struct {
	// IdleTimeout is the in-memory session lifetime in minutes.
	IdleTimeout int `mapstructure:"idleTimeout"`
	// Boundary is the root directory outside of which path access is refused.
	// Empty means the user's home directory.
	Boundary string `mapstructure:"boundary"`
	// RuntimePath is the external agent CLI binary.
	RuntimePath string `mapstructure:"runtimePath"`
}

// MeshConfig holds discovery configuration.
type MeshConfig struct {
	ScanRoots   []string `mapstructure:"scanRoots"`
	MaxDepth    int      `mapstructure:"maxDepth"`
	MarkerFiles []string `mapstructure:"markerFiles"`
}

// AdaptersConfig holds external channel adapter configuration.
type AdaptersConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig configures the Telegram relay adapter.
type TelegramConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Token         string `mapstructure:"token"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// DiscordConfig configures the Discord relay adapter.
type DiscordConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Token         string `mapstructure:"token"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// MCPConfig configures the embedded tool server.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AdapterTimeoutDuration returns the adapter delivery timeout as a time.Duration.
func (r *RelayConfig) AdapterTimeoutDuration() time.Duration {
	return time.Duration(r.AdapterTimeout) * time.Second
}

// CooldownDuration returns the base open window as a time.Duration.
func (b *BreakerConfig) CooldownDuration() time.Duration {
	return time.Duration(b.Cooldown) * time.Second
}

// MaxCooldownDuration returns the cooldown cap as a time.Duration.
func (b *BreakerConfig) MaxCooldownDuration() time.Duration {
	return time.Duration(b.MaxCooldown) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Minute
}

// DefaultMaxRuntimeDuration returns the run timeout as a time.Duration.
// Zero means no timeout.
func (p *PulseConfig) DefaultMaxRuntimeDuration() time.Duration {
	return time.Duration(p.DefaultMaxRuntime) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for explicit production environments, "text" otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("DORK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	for _, opt := range Options() {
		v.SetDefault(opt.Key, opt.Default)
	}
}

// Load reads configuration from environment variables, the config file
// under the dork home directory, and defaults. Environment variables use
// the prefix DORK_ with underscore-separated naming.
func Load() (*Config, error) {
	return LoadWithHome("")
}

// LoadWithHome reads configuration rooted at the given home directory.
// An empty home resolves via $DORK_HOME / ~/.dork.
func LoadWithHome(home string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys where the env var naming differs are bound by hand.
	_ = v.BindEnv("server.readTimeout", "DORK_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "DORK_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("logging.outputPath", "DORK_LOGGING_OUTPUT_PATH")
	_ = v.BindEnv("relay.adapterTimeout", "DORK_RELAY_ADAPTER_TIMEOUT")
	_ = v.BindEnv("relay.defaultMaxHops", "DORK_RELAY_DEFAULT_MAX_HOPS")
	_ = v.BindEnv("relay.defaultTtl", "DORK_RELAY_DEFAULT_TTL")
	_ = v.BindEnv("relay.defaultCallBudget", "DORK_RELAY_DEFAULT_CALL_BUDGET")
	_ = v.BindEnv("pulse.maxConcurrentRuns", "DORK_PULSE_MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("pulse.runRetention", "DORK_PULSE_RUN_RETENTION")
	_ = v.BindEnv("pulse.defaultMaxRuntime", "DORK_PULSE_DEFAULT_MAX_RUNTIME")
	_ = v.BindEnv("session.idleTimeout", "DORK_SESSION_IDLE_TIMEOUT")
	_ = v.BindEnv("session.runtimePath", "DORK_SESSION_RUNTIME_PATH")
	_ = v.BindEnv("mesh.maxDepth", "DORK_MESH_MAX_DEPTH")
	_ = v.BindEnv("adapters.telegram.token", "DORK_TELEGRAM_TOKEN", "DORK_ADAPTERS_TELEGRAM_TOKEN")
	_ = v.BindEnv("adapters.discord.token", "DORK_DISCORD_TOKEN", "DORK_ADAPTERS_DISCORD_TOKEN")

	v.SetConfigFile(ConfigFilePath(home))
	v.SetConfigType("json")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration fields hold usable values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errs = append(errs, "server.readTimeout must be positive")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.writeTimeout must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Relay.AdapterTimeout <= 0 {
		errs = append(errs, "relay.adapterTimeout must be positive")
	}
	if cfg.Relay.DefaultMaxHops <= 0 {
		errs = append(errs, "relay.defaultMaxHops must be positive")
	}
	if cfg.Relay.DefaultTTL <= 0 {
		errs = append(errs, "relay.defaultTtl must be positive")
	}
	if cfg.Relay.Breaker.Threshold <= 0 {
		errs = append(errs, "relay.breaker.threshold must be positive")
	}
	if cfg.Relay.Breaker.Cooldown <= 0 {
		errs = append(errs, "relay.breaker.cooldown must be positive")
	}
	if cfg.Relay.Breaker.MaxCooldown < cfg.Relay.Breaker.Cooldown {
		errs = append(errs, "relay.breaker.maxCooldown must be >= relay.breaker.cooldown")
	}

	if cfg.Pulse.MaxConcurrentRuns <= 0 {
		errs = append(errs, "pulse.maxConcurrentRuns must be positive")
	}
	if cfg.Pulse.RunRetention <= 0 {
		errs = append(errs, "pulse.runRetention must be positive")
	}
	if cfg.Pulse.DefaultMaxRuntime < 0 {
		errs = append(errs, "pulse.defaultMaxRuntime must be >= 0")
	}

	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idleTimeout must be positive")
	}

	if cfg.Mesh.MaxDepth <= 0 {
		errs = append(errs, "mesh.maxDepth must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
