package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rendis/idflow/pkg/schema"
)

// Config holds all idflow configuration.
// Priority: IDFLOW_* env vars > config.yaml > defaults.
type Config struct {
	DBPath             string        `mapstructure:"db_path" validate:"required"`
	LogLevel           string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat          string        `mapstructure:"log_format" validate:"oneof=text json"`
	PoolSize           int           `mapstructure:"pool_size" validate:"min=1"`
	OutputDir          string        `mapstructure:"output_dir" validate:"required"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
	StuckSyncThreshold time.Duration `mapstructure:"stuck_sync_threshold" validate:"gt=0"`
	// VaultKey unlocks ${secret:NAME} references. Set it through IDFLOW_VAULT_KEY.
	VaultKey string `mapstructure:"vault_key"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type ConnectorConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"min=0"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRows    int           `mapstructure:"max_rows" validate:"min=0"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

func idflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".idflow"
	}
	return filepath.Join(home, ".idflow")
}

func setDefaults(v *viper.Viper) {
	dir := idflowDir()
	v.SetDefault("db_path", filepath.Join(dir, "idflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("output_dir", filepath.Join(dir, "output"))
	v.SetDefault("metrics_addr", "")
	v.SetDefault("stuck_sync_threshold", 2*time.Hour)
	v.SetDefault("vault_key", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("connector.max_retries", 3)
	v.SetDefault("connector.retry_delay", time.Second)
	v.SetDefault("connector.timeout", 30*time.Second)
	v.SetDefault("connector.max_rows", 1000)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
}

// loadConfig layers defaults, the config file and the environment. An
// explicit path must exist; the default ~/.idflow/config.yaml is optional.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(idflowDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("IDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports every violation.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid config").WithCause(err)
	}
	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid config: %s", strings.Join(violations, "; ")).
		WithDetails(map[string]any{"violations": violations})
}
