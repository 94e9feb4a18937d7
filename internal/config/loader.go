package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every Runtime Gate environment variable.
const EnvPrefix = "RUNTIME_GATE"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for runtime-gate.yaml/.yml in standard locations.
// An explicit YAML extension is required so the runtime-gate binary itself,
// which sits next to the config in /opt/extensions, is never picked up.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as "environment only".
		viper.SetConfigName("runtime-gate")
		viper.SetConfigType("yaml")
	}

	// RUNTIME_GATE_AUTH_ISSUER overrides auth.issuer
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".runtime-gate"),
		"/etc/runtime-gate",
		"/opt/extensions",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first runtime-gate.yaml or .yml found in paths.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "runtime-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKey returns the prefixed environment variable for a config key.
func envKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// bindEnv binds key to its prefixed variable followed by any aliases.
// Viper consults the names in order and uses the first one that is set.
func bindEnv(key string, aliases ...string) {
	_ = viper.BindEnv(append([]string{key, envKey(key)}, aliases...)...)
}

// bindNestedEnvKeys makes every key overridable from the environment.
// The Lambda-native names the extension has always honored are bound as aliases
// after the prefixed variable, so the prefixed form wins when both are set.
func bindNestedEnvKeys() {
	// Server
	bindEnv("server.host")
	bindEnv("server.port", "LRAP_LISTENER_PORT")
	bindEnv("server.admin_addr")
	bindEnv("server.log_level")
	bindEnv("server.shutdown_timeout")

	// Control plane: the override wins over the sandbox-provided address.
	bindEnv("runtime_api.address", "LRAP_RUNTIME_API_ENDPOINT", "AWS_LAMBDA_RUNTIME_API")
	bindEnv("runtime_api.response_retries")
	bindEnv("runtime_api.retry_backoff")

	// Extensions API is always the sandbox address, never the override.
	bindEnv("extension.enabled")
	bindEnv("extension.address", "AWS_LAMBDA_RUNTIME_API")
	bindEnv("extension.name")
	bindEnv("extension.events")

	bindEnv("gate.enabled", "AWS_LRAP_ENABLED")

	// Auth
	bindEnv("auth.jwks_url", "JWKS_URI")
	bindEnv("auth.issuer", "JWT_ISSUER")
	bindEnv("auth.audience")
	bindEnv("auth.algorithms")
	bindEnv("auth.leeway")
	bindEnv("auth.claims_field")
	bindEnv("auth.condition")

	// Key set
	bindEnv("keyset.fetch_timeout")
	bindEnv("keyset.cache_ttl")
	bindEnv("keyset.refresh_on_signature_failure")
	bindEnv("keyset.min_refresh_interval")

	// Audit
	bindEnv("audit.output")
	bindEnv("audit.channel_size")
	bindEnv("audit.batch_size")
	bindEnv("audit.flush_interval")
	bindEnv("audit.send_timeout")
	bindEnv("audit.buffer_size")
	bindEnv("audit.max_file_size_mb")
	bindEnv("audit.max_files")

	// Telemetry
	bindEnv("telemetry.exporter")
	bindEnv("telemetry.service_name")

	bindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// defaults and dev defaults, and validates the result.
func LoadConfig() (*GateConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*GateConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration is the normal case inside Lambda.
	}

	var cfg GateConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
