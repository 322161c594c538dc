package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/ctxsync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Drift      DriftConfig      `yaml:"drift" mapstructure:"drift"`
	Pruning    PruningConfig    `yaml:"pruning" mapstructure:"pruning"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Healing    HealingConfig    `yaml:"healing" mapstructure:"healing"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record, backup and event database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// SourceConfig configures the source-of-truth repository.
type SourceConfig struct {
	RepoPath         string `yaml:"repo_path" mapstructure:"repo_path" validate:"required"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
	BreakerFailures  int    `yaml:"breaker_failures" mapstructure:"breaker_failures" validate:"gte=0"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs" validate:"gte=0"`
}

// Timeout returns the per-call git timeout.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// DriftConfig configures the drift detector.
type DriftConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"gte=0,lte=1"`
}

// PruningConfig configures tier retention.
type PruningConfig struct {
	NormalMaxAgeHours      int `yaml:"normal_max_age_hours" mapstructure:"normal_max_age_hours" validate:"gt=0"`
	DebugMaxAgeHours       int `yaml:"debug_max_age_hours" mapstructure:"debug_max_age_hours" validate:"gt=0"`
	CheckpointRefsPerChain int `yaml:"checkpoint_refs_per_chain" mapstructure:"checkpoint_refs_per_chain" validate:"gt=0"`
}

// CheckpointConfig configures the checkpoint log.
type CheckpointConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	InMemory   bool   `yaml:"in_memory" mapstructure:"in_memory"`
	Retain     int    `yaml:"retain" mapstructure:"retain" validate:"gt=0"`
	WriteRefs  bool   `yaml:"write_refs" mapstructure:"write_refs"`
	SyncWrites bool   `yaml:"sync_writes" mapstructure:"sync_writes"`
}

// LevelConfig describes one validation level and the command that runs it.
type LevelConfig struct {
	Name        string `yaml:"name" mapstructure:"name" validate:"required"`
	Command     string `yaml:"command" mapstructure:"command"`
	Optional    bool   `yaml:"optional" mapstructure:"optional"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=0"`
}

// ValidationConfig configures the ordered validation levels.
type ValidationConfig struct {
	DefaultTimeoutSecs int           `yaml:"default_timeout_secs" mapstructure:"default_timeout_secs" validate:"gt=0"`
	Levels             []LevelConfig `yaml:"levels" mapstructure:"levels" validate:"dive"`
}

// HealingConfig configures bounded remediation.
type HealingConfig struct {
	MaxAttempts  int               `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gt=0"`
	BackoffMs    int               `yaml:"backoff_ms" mapstructure:"backoff_ms" validate:"gte=0"`
	MaxBackoffMs int               `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	BundleDir    string            `yaml:"bundle_dir" mapstructure:"bundle_dir"`
	Remediations map[string]string `yaml:"remediations" mapstructure:"remediations"`
}

// SyncConfig configures the sync cycle.
type SyncConfig struct {
	IntervalSecs        int    `yaml:"interval_secs" mapstructure:"interval_secs" validate:"gt=0"`
	RederiveTimeoutSecs int    `yaml:"rederive_timeout_secs" mapstructure:"rederive_timeout_secs" validate:"gte=0"`
	// RederiveCommand regenerates stale records. Record ids are passed in
	// CTXSYNC_RECORD_IDS, comma separated.
	RederiveCommand string `yaml:"rederive_command" mapstructure:"rederive_command"`
}

// WatchConfig configures background watchers.
type WatchConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	DebounceMs     int     `yaml:"debounce_ms" mapstructure:"debounce_ms" validate:"gte=0"`
	TriggersPerMin float64 `yaml:"triggers_per_min" mapstructure:"triggers_per_min" validate:"gt=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures webhook alerting on cycle health.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours" validate:"gt=0"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("ctxsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CTXSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", ".ctxsync/records.db")
	v.SetDefault("source.repo_path", ".")
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.breaker_failures", 3)
	v.SetDefault("source.breaker_reset_secs", 60)
	v.SetDefault("drift.threshold", 0.20)
	v.SetDefault("pruning.normal_max_age_hours", 7*24)
	v.SetDefault("pruning.debug_max_age_hours", 24)
	v.SetDefault("pruning.checkpoint_refs_per_chain", 5)
	v.SetDefault("checkpoint.path", ".ctxsync/checkpoints")
	v.SetDefault("checkpoint.retain", 5)
	v.SetDefault("checkpoint.write_refs", true)
	v.SetDefault("checkpoint.sync_writes", true)
	v.SetDefault("validation.default_timeout_secs", 300)
	v.SetDefault("healing.max_attempts", 3)
	v.SetDefault("healing.backoff_ms", 0)
	v.SetDefault("healing.max_backoff_ms", 10000)
	v.SetDefault("sync.interval_secs", 900)
	v.SetDefault("sync.rederive_timeout_secs", 600)
	v.SetDefault("watch.debounce_ms", 500)
	v.SetDefault("watch.triggers_per_min", 6)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks field constraints declared in struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	for class := range c.Healing.Remediations {
		if !model.ErrorClass(class).Fixable() {
			return eris.Errorf("config: remediation for non-fixable error class %q", class)
		}
	}
	seen := make(map[string]bool, len(c.Validation.Levels))
	for _, l := range c.Validation.Levels {
		if seen[l.Name] {
			return eris.Errorf("config: duplicate validation level %q", l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
