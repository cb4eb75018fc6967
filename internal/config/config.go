// Package config loads the pacsync service configuration.
//
// Configuration comes from a YAML file with PACSYNC_* environment
// overrides (PACSYNC_SERVER_LISTEN overrides server.listen, etc).
// Missing file is fine; every setting has a usable default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/camatools/pacsync/internal/resilience"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Source   SourceConfig   `mapstructure:"source"`
	Target   TargetConfig   `mapstructure:"target"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Catalogs CatalogsConfig `mapstructure:"catalogs"`
	Audit    AuditConfig    `mapstructure:"audit"`

	Breakers map[string]BreakerSettings `mapstructure:"breakers"`
	Retries  map[string]RetrySettings   `mapstructure:"retries"`
	Health   HealthConfig               `mapstructure:"health"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
}

type SourceConfig struct {
	// Driver selects the source adapter: "mysql" or "memory".
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	ConnectTimeout int    `mapstructure:"connect_timeout_seconds"`
	QueryTimeout   int    `mapstructure:"query_timeout_seconds"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
}

type TargetConfig struct {
	// Driver selects the target adapter: "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type JobsConfig struct {
	DBPath              string `mapstructure:"db_path"`
	WorkerPoolSize      int    `mapstructure:"worker_pool_size"`
	QueueDepth          int    `mapstructure:"queue_depth"`
	StaleTimeoutMinutes int    `mapstructure:"stale_timeout_minutes"`
	SweepIntervalSecs   int    `mapstructure:"sweep_interval_seconds"`
}

type SyncConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type CatalogsConfig struct {
	FieldMappingPath    string `mapstructure:"field_mapping_path"`
	ResolutionRulesPath string `mapstructure:"resolution_rules_path"`
	// Watch enables hot reload of the catalog files.
	Watch bool `mapstructure:"watch"`
}

type AuditConfig struct {
	LogPath string `mapstructure:"log_path"`
}

// BreakerSettings is the file form of a resilience.BreakerConfig.
type BreakerSettings struct {
	FailureThreshold  int `mapstructure:"failure_threshold"`
	ResetTimeoutSecs  int `mapstructure:"reset_timeout_seconds"`
	HalfOpenSuccesses int `mapstructure:"half_open_successes"`
}

// BreakerConfig converts to the runtime form.
func (s BreakerSettings) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold:         s.FailureThreshold,
		ResetTimeout:             time.Duration(s.ResetTimeoutSecs) * time.Second,
		HalfOpenSuccessThreshold: s.HalfOpenSuccesses,
	}
}

// RetrySettings is the file form of a resilience.RetryConfig.
type RetrySettings struct {
	Strategy       string  `mapstructure:"strategy"`
	InitialWaitMS  int     `mapstructure:"initial_wait_ms"`
	IncrementMS    int     `mapstructure:"increment_ms"`
	Base           float64 `mapstructure:"base"`
	MaxWaitMS      int     `mapstructure:"max_wait_ms"`
	MaxRetries     int     `mapstructure:"max_retries"`
	MaxRetryTimeMS int     `mapstructure:"max_retry_time_ms"`
	JitterFactor   float64 `mapstructure:"jitter_factor"`
}

// RetryConfig converts to the runtime form.
func (s RetrySettings) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		Strategy:     resilience.Strategy(s.Strategy),
		InitialWait:  time.Duration(s.InitialWaitMS) * time.Millisecond,
		Increment:    time.Duration(s.IncrementMS) * time.Millisecond,
		Base:         s.Base,
		MaxWait:      time.Duration(s.MaxWaitMS) * time.Millisecond,
		MaxRetries:   s.MaxRetries,
		MaxRetryTime: time.Duration(s.MaxRetryTimeMS) * time.Millisecond,
		JitterFactor: s.JitterFactor,
	}
}

// HealthConfig tunes the self-healing loop.
type HealthConfig struct {
	TickSeconds int                         `mapstructure:"tick_seconds"`
	Resources   map[string]ResourceSettings `mapstructure:"resources"`
}

// ResourceSettings is the file form of an orchestrator health check.
type ResourceSettings struct {
	IntervalSecs      int      `mapstructure:"interval_seconds"`
	FailureThreshold  int      `mapstructure:"failure_threshold"`
	RecoveryThreshold int      `mapstructure:"recovery_threshold"`
	DependsOn         []string `mapstructure:"depends_on"`
	Breaker           string   `mapstructure:"breaker"`
	Retry             string   `mapstructure:"retry"`
	RecoveryCooldown  int      `mapstructure:"recovery_cooldown_seconds"`
}

// Load reads the configuration. Empty path skips the file and uses
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PACSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7171")

	v.SetDefault("source.driver", "memory")
	v.SetDefault("source.connect_timeout_seconds", 30)
	v.SetDefault("source.query_timeout_seconds", 30)
	v.SetDefault("source.max_open_conns", 8)

	v.SetDefault("target.driver", "memory")
	v.SetDefault("target.path", "pacsync/cama.db")

	v.SetDefault("jobs.db_path", "pacsync/jobs.db")
	v.SetDefault("jobs.worker_pool_size", 4)
	v.SetDefault("jobs.queue_depth", 256)
	v.SetDefault("jobs.stale_timeout_minutes", 30)
	v.SetDefault("jobs.sweep_interval_seconds", 60)

	v.SetDefault("sync.batch_size", 100)

	v.SetDefault("catalogs.watch", false)

	v.SetDefault("audit.log_path", "pacsync/audit.jsonl")

	v.SetDefault("health.tick_seconds", 10)
}

func (c *Config) validate() error {
	switch c.Source.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("config: unknown source driver %q", c.Source.Driver)
	}
	switch c.Target.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown target driver %q", c.Target.Driver)
	}
	if c.Source.Driver == "mysql" && c.Source.DSN == "" {
		return fmt.Errorf("config: source.dsn is required for the mysql driver")
	}
	for name, r := range c.Retries {
		switch resilience.Strategy(r.Strategy) {
		case "", resilience.StrategyFixed, resilience.StrategyLinear,
			resilience.StrategyExponential, resilience.StrategyExponentialJitter:
		default:
			return fmt.Errorf("config: retry %q: unknown strategy %q", name, r.Strategy)
		}
	}
	return nil
}

// StaleTimeout returns the stale job timeout as a duration.
func (c *JobsConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMinutes) * time.Minute
}

// SweepInterval returns the sweep interval as a duration.
func (c *JobsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// HealthTick returns the health loop tick as a duration.
func (c *HealthConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}
