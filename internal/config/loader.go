// Package config provides configuration loading for arrgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for arrgate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("arrgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ARRGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("ARRGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an arrgate config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "arrgate" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".arrgate"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\arrgate (typically C:\ProgramData\arrgate)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "arrgate"))
		}
	} else {
		paths = append(paths, "/etc/arrgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for arrgate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "arrgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: ARRGATE_SERVER_HTTP_ADDR overrides server.http_addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.api_key_hash")

	// Upstream seeds. These are the values most deployments override:
	// api keys belong in the environment, not on disk.
	for _, kind := range []string{"download", "tv_manager", "movie_manager", "media_library"} {
		_ = viper.BindEnv("upstreams." + kind + ".url")
		_ = viper.BindEnv("upstreams." + kind + ".api_key")
		_ = viper.BindEnv("upstreams." + kind + ".enabled")
		_ = viper.BindEnv("upstreams." + kind + ".timeout")
		_ = viper.BindEnv("upstreams." + kind + ".max_retries")
	}

	// Orchestrator config
	_ = viper.BindEnv("orchestrator.max_concurrent")
	_ = viper.BindEnv("orchestrator.default_tool_timeout")
	_ = viper.BindEnv("orchestrator.max_retries")
	_ = viper.BindEnv("orchestrator.retry_base_delay")
	_ = viper.BindEnv("orchestrator.auto_reconnect")
	_ = viper.BindEnv("orchestrator.keepalive_interval")
	_ = viper.BindEnv("orchestrator.max_parallel")
	_ = viper.BindEnv("orchestrator.parallel_timeout")
	_ = viper.BindEnv("orchestrator.cancel_on_critical")
	_ = viper.BindEnv("orchestrator.breaker_failure_threshold")
	_ = viper.BindEnv("orchestrator.breaker_open_duration")
	_ = viper.BindEnv("orchestrator.breaker_half_open_required")
	// Note: orchestrator.retryable_errors is an array; use the config file.

	// Monitor config
	_ = viper.BindEnv("monitor.poll_interval")
	_ = viper.BindEnv("monitor.failure_detection")
	_ = viper.BindEnv("monitor.pattern_recognition")
	_ = viper.BindEnv("monitor.alert_throttle_window")
	_ = viper.BindEnv("monitor.pattern_window")
	_ = viper.BindEnv("monitor.pattern_threshold")
	_ = viper.BindEnv("monitor.poll_failure_threshold")

	// Recovery config
	_ = viper.BindEnv("recovery.max_retry_attempts")
	_ = viper.BindEnv("recovery.immediate_retry")
	_ = viper.BindEnv("recovery.backoff")
	_ = viper.BindEnv("recovery.quality_fallback")
	_ = viper.BindEnv("recovery.backoff_base")
	_ = viper.BindEnv("recovery.backoff_multiplier")
	_ = viper.BindEnv("recovery.backoff_max")
	_ = viper.BindEnv("recovery.result_deadline")

	// Event bus, activity, websocket
	_ = viper.BindEnv("events.max_history")
	_ = viper.BindEnv("events.log_dir")
	_ = viper.BindEnv("events.log_retention_days")
	_ = viper.BindEnv("events.log_max_file_size_mb")
	_ = viper.BindEnv("activity.max_items")
	_ = viper.BindEnv("websocket.enabled")
	_ = viper.BindEnv("websocket.send_buffer")
	_ = viper.BindEnv("websocket.status_pulse_interval")
	// Note: activity.topics and websocket.topics are arrays; use the config file.

	// Storage, telemetry, audit
	_ = viper.BindEnv("storage.path")
	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("audit.enabled")
	_ = viper.BindEnv("audit.rules_seed")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
		// This allows running with pure environment variable configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
