package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds settings that apply to every invocation and are not part of
// the per-run flag surface. All values can be overridden through MICVM_*
// environment variables.
type Config struct {
	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool
	LibvirtURI       string
	ThreadsPerCore   int
}

func Load() (*Config, error) {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("telemetry_enabled", false)
	viper.SetDefault("libvirt_uri", "qemu:///system")
	viper.SetDefault("threads_per_core", 4)

	viper.SetEnvPrefix("micvm")
	viper.AutomaticEnv()

	cfg := &Config{
		LogLevel:         viper.GetString("log_level"),
		LogFormat:        viper.GetString("log_format"),
		TelemetryEnabled: viper.GetBool("telemetry_enabled"),
		LibvirtURI:       viper.GetString("libvirt_uri"),
		ThreadsPerCore:   viper.GetInt("threads_per_core"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	if c.LibvirtURI == "" {
		return fmt.Errorf("libvirt URI must not be empty")
	}

	if c.ThreadsPerCore <= 0 {
		return fmt.Errorf("threads per core must be positive, got %d", c.ThreadsPerCore)
	}

	return nil
}
