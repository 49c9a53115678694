// Package config loads goenhance settings from an optional config file,
// GOENHANCE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/daimatz/goenhance/pkg/enhancer"
)

// EnvPrefix prefixes environment overrides, e.g. GOENHANCE_DRIVER_CONCURRENCY.
const EnvPrefix = "GOENHANCE"

// Config is the complete configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Enhancer EnhancerConfig `mapstructure:"enhancer" yaml:"enhancer"`
	Driver   DriverConfig   `mapstructure:"driver" yaml:"driver"`
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
}

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EnhancerConfig mirrors enhancer.Options.
type EnhancerConfig struct {
	Verbosity          string `mapstructure:"verbosity" yaml:"verbosity" validate:"oneof=quiet warn verbose debug"`
	SkipAugment        bool   `mapstructure:"skip_augment" yaml:"skip_augment"`
	SkipMarker         bool   `mapstructure:"skip_marker" yaml:"skip_marker"`
	Timing             bool   `mapstructure:"timing" yaml:"timing"`
	Verify             bool   `mapstructure:"verify" yaml:"verify"`
	Dump               bool   `mapstructure:"dump" yaml:"dump"`
	PersistenceCapable string `mapstructure:"persistence_capable" yaml:"persistence_capable" validate:"required"`
	StateManager       string `mapstructure:"state_manager" yaml:"state_manager" validate:"required"`
}

// Options converts the section to enhancer options.
func (c EnhancerConfig) Options() (enhancer.Options, error) {
	v, err := enhancer.ParseVerbosity(c.Verbosity)
	if err != nil {
		return enhancer.Options{}, err
	}
	return enhancer.Options{
		Verbosity:          v,
		SkipAugment:        c.SkipAugment,
		SkipMarker:         c.SkipMarker,
		Timing:             c.Timing,
		Verify:             c.Verify,
		Dump:               c.Dump,
		PersistenceCapable: strings.ReplaceAll(c.PersistenceCapable, ".", "/"),
		StateManager:       strings.ReplaceAll(c.StateManager, ".", "/"),
	}, nil
}

// DriverConfig configures batch runs.
type DriverConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=256"`
	// Output is a directory or a .jar path. Empty enhances in place.
	Output string `mapstructure:"output" yaml:"output"`
	// ClassPath lists extra directories and archives searched for
	// superclasses.
	ClassPath []string `mapstructure:"class_path" yaml:"class_path"`
}

// MetadataConfig lists the metadata files.
type MetadataConfig struct {
	Files []string `mapstructure:"files" yaml:"files"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// SetDefaults installs the default of every key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "goenhance")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Enhancer --
	v.SetDefault("enhancer.verbosity", "warn")
	v.SetDefault("enhancer.skip_augment", false)
	v.SetDefault("enhancer.skip_marker", false)
	v.SetDefault("enhancer.timing", false)
	v.SetDefault("enhancer.verify", true)
	v.SetDefault("enhancer.dump", false)
	v.SetDefault("enhancer.persistence_capable", enhancer.DefaultPersistenceCapable)
	v.SetDefault("enhancer.state_manager", enhancer.DefaultStateManager)

	// -- Driver --
	v.SetDefault("driver.concurrency", 4)
	v.SetDefault("driver.output", "")
	v.SetDefault("driver.class_path", []string{})

	// -- Metadata --
	v.SetDefault("metadata.files", []string{})

	// -- History --
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", ".goenhance/history.db")
}

// NewViper returns a viper instance with defaults, environment binding
// and, when path is set, that config file. Without a path it looks for
// goenhance.yaml in the working directory.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("goenhance")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewDefaultConfig returns the configuration built from defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(fmt.Sprintf("failed to load default config: %v", err))
	}
	return cfg
}

var validate = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
