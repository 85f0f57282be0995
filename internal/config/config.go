// Package config loads the interposer's own configuration. Policy lives in
// the database; this covers only the ambient concerns — where the data
// directory is and how the core logs.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
)

// Config represents the interposer configuration
type Config struct {
	Data DataConfig `mapstructure:"data"`
	Log  LogConfig  `mapstructure:"log"`
}

// DataConfig locates the files shared with the WhiteBeam service.
type DataConfig struct {
	// Dir is the data directory. Empty means the platform default
	// (or the WB_DATA_PATH override).
	Dir string `mapstructure:"dir"`

	DatabaseFile string `mapstructure:"database_file" validate:"required"`
	PIDFile      string `mapstructure:"pid_file" validate:"required"`
	EventsFile   string `mapstructure:"events_file" validate:"required"`
}

// LogConfig holds logging-related configuration
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output     string `mapstructure:"output" validate:"omitempty,oneof=file stdout stderr"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from the data directory's config.yaml, then
// from WB_-prefixed environment variables. A missing file yields the
// defaults: the interposer must come up inside processes that have no
// configuration at all.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(platform.DataDir())
	v.SetEnvPrefix("WB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", "")
	v.SetDefault("data.database_file", "database.sqlite")
	v.SetDefault("data.pid_file", "whitebeam.pid")
	v.SetDefault("data.events_file", "events.ndjson")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
}

// DatabasePath returns the absolute path of the policy database.
func (c *Config) DatabasePath() string {
	return c.dataFile(c.Data.DatabaseFile)
}

// PIDPath returns the absolute path of the service pid file.
func (c *Config) PIDPath() string {
	return c.dataFile(c.Data.PIDFile)
}

// EventsPath returns the absolute path of the event sink file.
func (c *Config) EventsPath() string {
	return c.dataFile(c.Data.EventsFile)
}

func (c *Config) dataFile(name string) string {
	if c.Data.Dir != "" {
		return c.Data.Dir + "/" + name
	}
	return platform.DataFilePath(name)
}
