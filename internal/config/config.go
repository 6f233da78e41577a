package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration tree. Every key can come from the
// YAML config file or a FOREMAN_* environment variable; env wins.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	ProfileDir string `mapstructure:"profile_dir"`

	Server        Server        `mapstructure:"server"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Resources     Resources     `mapstructure:"resources"`
	Rollout       Rollout       `mapstructure:"rollout"`
	AutoProcessor AutoProcessor `mapstructure:"auto_processor"`
	Retry         Retry         `mapstructure:"retry"`
	Broadcast     Broadcast     `mapstructure:"broadcast"`
	Maintenance   Maintenance   `mapstructure:"maintenance"`
	Logging       Logging       `mapstructure:"logging"`
}

type Server struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AuthToken      string   `mapstructure:"auth_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
}

type Scheduler struct {
	Mode          string        `mapstructure:"mode"`
	MaxQueueDepth int           `mapstructure:"max_queue_depth"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StaggerDelay  time.Duration `mapstructure:"stagger_delay"`
}

type Resources struct {
	MaxConcurrentSlots   int           `mapstructure:"max_concurrent_slots"`
	MemoryPerSlotMB      int           `mapstructure:"memory_per_slot_mb"`
	WarningThreshold     float64       `mapstructure:"warning_threshold"`
	CriticalThreshold    float64       `mapstructure:"critical_threshold"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MinAvailableMemoryMB int           `mapstructure:"min_available_memory_mb"`
}

type Rollout struct {
	UseNewQueueSystem bool `mapstructure:"use_new_queue_system"`
	ShadowMode        bool `mapstructure:"shadow_mode"`
	RolloutPercent    int  `mapstructure:"rollout_percent"`
}

type AutoProcessor struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaggerDelay time.Duration `mapstructure:"stagger_delay"`
}

type Retry struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type Broadcast struct {
	BufferSize  int `mapstructure:"buffer_size"`
	HistorySize int `mapstructure:"history_size"`
}

type Maintenance struct {
	Schedule            string        `mapstructure:"schedule"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention"`
}

type Logging struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("profile_dir", "./profiles")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("scheduler.mode", "fifo")
	v.SetDefault("scheduler.max_queue_depth", 100)
	v.SetDefault("scheduler.poll_interval", 250*time.Millisecond)
	v.SetDefault("scheduler.stagger_delay", 0)

	v.SetDefault("resources.max_concurrent_slots", 3)
	v.SetDefault("resources.memory_per_slot_mb", 512)
	v.SetDefault("resources.warning_threshold", 0.80)
	v.SetDefault("resources.critical_threshold", 0.92)
	v.SetDefault("resources.poll_interval", 5*time.Second)
	v.SetDefault("resources.min_available_memory_mb", 0)

	v.SetDefault("rollout.use_new_queue_system", false)
	v.SetDefault("rollout.shadow_mode", false)
	v.SetDefault("rollout.rollout_percent", 0)

	v.SetDefault("auto_processor.enabled", true)
	v.SetDefault("auto_processor.poll_interval", time.Second)
	v.SetDefault("auto_processor.stagger_delay", 0)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 5*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)

	v.SetDefault("broadcast.buffer_size", 500)
	v.SetDefault("broadcast.history_size", 200)

	v.SetDefault("maintenance.schedule", "@hourly")
	v.SetDefault("maintenance.dead_letter_retention", 7*24*time.Hour)

	v.SetDefault("logging.level", "info")
}

// Load reads configuration from the optional file at path, layered under
// FOREMAN_* environment variables and built-in defaults. An empty path skips
// the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Rollout.RolloutPercent < 0 || c.Rollout.RolloutPercent > 100 {
		return fmt.Errorf("config: rollout.rollout_percent %d out of range", c.Rollout.RolloutPercent)
	}
	if c.Resources.MaxConcurrentSlots <= 0 {
		return fmt.Errorf("config: resources.max_concurrent_slots must be positive")
	}
	return nil
}
