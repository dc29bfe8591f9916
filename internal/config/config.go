// Package config loads the service configuration through viper.
// Precedence: explicit file > ./config.yaml > $XDG_CONFIG_HOME/digcoord >
// ~/.digcoord, with DIGCOORD_* environment variables overriding the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/digcoord/digcoord/internal/storage"
)

// Settings is the full configuration tree.
type Settings struct {
	Database  Database  `mapstructure:"database"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Conflict  Conflict  `mapstructure:"conflict"`
	Events    Events    `mapstructure:"events"`
	Notify    Notify    `mapstructure:"notify"`
	Log       Log       `mapstructure:"log"`
}

// Database holds connection settings.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxOpen  int    `mapstructure:"max_open"`
	MaxIdle  int    `mapstructure:"max_idle"`
}

// StorageConfig converts to the storage layer's config type.
func (d Database) StorageConfig() storage.Config {
	return storage.Config{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Name,
		User:     d.User,
		Password: d.Password,
		SSLMode:  d.SSLMode,
		MaxOpen:  d.MaxOpen,
		MaxIdle:  d.MaxIdle,
	}
}

// Scheduler holds deadline sweeper settings.
type Scheduler struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
	Hour     int    `mapstructure:"hour"`
}

// Conflict holds detector settings.
type Conflict struct {
	BufferMeters     float64       `mapstructure:"buffer_meters"`
	SoftBudget       time.Duration `mapstructure:"soft_budget"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

// Events holds bus settings.
type Events struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// Notify holds dispatcher settings.
type Notify struct {
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

// Log holds logging settings.
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads settings from the given file, or from the default lookup
// chain when path is empty.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		for _, candidate := range defaultConfigPaths() {
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				break
			}
		}
	}

	v.SetEnvPrefix("DIGCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &settings, nil
}

func defaultConfigPaths() []string {
	paths := []string{"config.yaml"}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "digcoord", "config.yaml"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".digcoord", "config.yaml"))
	}
	return paths
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "digcoord")
	v.SetDefault("database.user", "digcoord")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open", 16)
	v.SetDefault("database.max_idle", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Europe/Prague")
	v.SetDefault("scheduler.hour", 9)

	v.SetDefault("conflict.buffer_meters", 20)
	v.SetDefault("conflict.soft_budget", "10s")
	v.SetDefault("conflict.batch_concurrency", 5)

	v.SetDefault("events.workers", 4)
	v.SetDefault("events.queue_depth", 256)

	v.SetDefault("notify.breaker_max_failures", 5)
	v.SetDefault("notify.breaker_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}
