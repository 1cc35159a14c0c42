// Package config provides configuration loading for the control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for control-plane.yaml/.yml in standard
// locations. The search requires an explicit YAML extension to avoid matching
// the binary itself, which Viper's built-in SetConfigName would match.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("control-plane")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CONTROL_PLANE_AUTHORITY_URL
	viper.SetEnvPrefix("CONTROL_PLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a control-plane config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".control-plane"),
		"/etc/control-plane",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "control-plane"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// Viper's AutomaticEnv does not discover nested keys that are absent from the
// config file, so each key is bound explicitly.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("authority.url")

	_ = viper.BindEnv("identity.url")
	_ = viper.BindEnv("identity.realm")
	_ = viper.BindEnv("identity.client_id")
	_ = viper.BindEnv("identity.username")
	_ = viper.BindEnv("identity.password")

	_ = viper.BindEnv("bundle.port")
	_ = viper.BindEnv("bundle.name")
	_ = viper.BindEnv("bundle.reconcile_interval_seconds")
	_ = viper.BindEnv("bundle.staleness_threshold_seconds")

	_ = viper.BindEnv("evaluator.port")
	_ = viper.BindEnv("evaluator.cache_refresh_seconds")

	_ = viper.BindEnv("replay.enabled")
	_ = viper.BindEnv("replay.poll_interval_seconds")
	_ = viper.BindEnv("replay.backends")

	_ = viper.BindEnv("log_level")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
