// Package config provides configuration types for Runtime Gate.
//
// Runtime Gate runs as a Lambda external extension, so most deployments are
// configured purely through environment variables. The schema still mirrors a
// YAML file layout so the same settings can be kept in runtime-gate.yaml for
// local runs and for the check-config command.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// GateConfig is the top-level configuration for Runtime Gate.
type GateConfig struct {
	// Server configures the local Runtime API listener and the admin listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// RuntimeAPI points at the real Lambda Runtime API (the control plane).
	RuntimeAPI RuntimeAPIConfig `yaml:"runtime_api" mapstructure:"runtime_api"`

	// Extension configures registration with the Lambda Extensions API.
	Extension ExtensionConfig `yaml:"extension" mapstructure:"extension"`

	// Gate switches invocation gating on or off.
	Gate GatingConfig `yaml:"gate" mapstructure:"gate"`

	// Auth configures bearer token verification.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// KeySet configures the signing key cache backed by the JWKS document.
	KeySet KeySetConfig `yaml:"keyset" mapstructure:"keyset"`

	// Audit configures where audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables verbose logging and skips extension registration.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	// Host is the interface the Runtime API emulation binds to.
	// Defaults to "127.0.0.1"; the function runtime lives in the same sandbox.
	Host string `yaml:"host" mapstructure:"host"`
	// Port is the Runtime API emulation port. Defaults to 9009.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	// AdminAddr serves /metrics and /health. Empty disables the admin listener.
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`
	// LogLevel is one of debug, info, warn, error. Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// ShutdownTimeout bounds graceful shutdown of both listeners (e.g. "1s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// RuntimeAPIConfig configures the control-plane client.
type RuntimeAPIConfig struct {
	// Address is the host:port of the real Runtime API.
	// Sourced from LRAP_RUNTIME_API_ENDPOINT or AWS_LAMBDA_RUNTIME_API.
	Address string `yaml:"address" mapstructure:"address" validate:"required,hostname_port"`
	// ResponseRetries is how many times a response submission or pass-through
	// is retried after a network error. Defaults to 0.
	ResponseRetries int `yaml:"response_retries" mapstructure:"response_retries" validate:"min=0,max=10"`
	// RetryBackoff is the pause between retries (e.g. "50ms").
	RetryBackoff string `yaml:"retry_backoff" mapstructure:"retry_backoff" validate:"omitempty,duration"`
}

// ExtensionConfig configures the Lambda Extensions API client.
type ExtensionConfig struct {
	// Enabled controls registration. Defaults to true outside dev mode.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Address is the host:port of the Extensions API. Defaults to RuntimeAPI.Address.
	Address string `yaml:"address" mapstructure:"address" validate:"omitempty,hostname_port"`
	// Name is the extension name sent at registration.
	// Lambda requires it to match the file name under /opt/extensions.
	Name string `yaml:"name" mapstructure:"name"`
	// Events lists lifecycle events to subscribe to. Defaults to INVOKE, SHUTDOWN.
	Events []string `yaml:"events" mapstructure:"events" validate:"omitempty,dive,oneof=INVOKE SHUTDOWN"`
}

// GatingConfig switches verification on the next-invocation route.
type GatingConfig struct {
	// Enabled gates invocations on a verified bearer token. When false the
	// next-invocation route is a plain pass-through. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// JWKSURL is where the trusted signing keys are published.
	JWKSURL string `yaml:"jwks_url" mapstructure:"jwks_url" validate:"required,url"`
	// Issuer must equal the token's iss claim exactly.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"required"`
	// Audience, when set, must be present in the token's aud claim.
	Audience string `yaml:"audience" mapstructure:"audience"`
	// Algorithms is the signing algorithm allow-list. Defaults to [RS256].
	Algorithms []string `yaml:"algorithms" mapstructure:"algorithms" validate:"min=1,dive,jwt_alg"`
	// Leeway is the clock skew tolerated on exp and nbf (e.g. "30s").
	Leeway string `yaml:"leeway" mapstructure:"leeway" validate:"omitempty,duration"`
	// ClaimsField is the payload field that receives the verified claims.
	// Defaults to "verifiedClaims".
	ClaimsField string `yaml:"claims_field" mapstructure:"claims_field" validate:"required"`
	// Condition is an optional CEL expression over `claims` that must hold.
	Condition string `yaml:"condition" mapstructure:"condition"`
}

// KeySetConfig configures the signing key cache.
type KeySetConfig struct {
	// FetchTimeout bounds a single JWKS fetch. Defaults to "5s".
	FetchTimeout string `yaml:"fetch_timeout" mapstructure:"fetch_timeout" validate:"omitempty,duration"`
	// CacheTTL expires cached keys. "0" (default) keeps them for the process lifetime.
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
	// RefreshOnSignatureFailure re-fetches a cached key once when a signature
	// fails to verify against it.
	RefreshOnSignatureFailure bool `yaml:"refresh_on_signature_failure" mapstructure:"refresh_on_signature_failure"`
	// MinRefreshInterval is the minimum time between forced refreshes of one kid.
	MinRefreshInterval string `yaml:"min_refresh_interval" mapstructure:"min_refresh_interval" validate:"omitempty,duration"`
}

// AuditConfig configures audit output and the async writer.
type AuditConfig struct {
	// Output is "stdout", "none", "file://<absolute-path>" or
	// "dir://<absolute-path>" for size-rotated files under a directory.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`
	// ChannelSize is the capacity of the async record channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// BatchSize is the number of records written per flush. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval is the maximum time between flushes. Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
	// SendTimeout is how long Record waits on a full channel before dropping. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
	// BufferSize is the number of recent records kept in memory. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
	// MaxFileSizeMB rotates a dir:// audit file at this size. Defaults to 10.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	// MaxFiles is how many dir:// audit files are kept. Defaults to 5.
	MaxFiles int `yaml:"max_files" mapstructure:"max_files" validate:"omitempty,min=1"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// Exporter is "none" (default) or "stdout".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=none stdout"`
	// ServiceName is reported as service.name. Defaults to "runtime-gate".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// SetDevDefaults applies defaults for running outside a Lambda sandbox.
// Applied BEFORE validation. The JWKS URL and issuer are never defaulted:
// a gate that trusts nothing in particular is worse than one that refuses to start.
func (c *GateConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// There is no Extensions API outside Lambda.
	if !viper.IsSet("extension.enabled") {
		c.Extension.Enabled = false
	}

	if c.Telemetry.Exporter == "" || c.Telemetry.Exporter == "none" {
		if !viper.IsSet("telemetry.exporter") {
			c.Telemetry.Exporter = "stdout"
		}
	}
}

// SetDefaults applies default values to the configuration.
func (c *GateConfig) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9009
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "1s"
	}

	if c.RuntimeAPI.RetryBackoff == "" {
		c.RuntimeAPI.RetryBackoff = "50ms"
	}

	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("extension.enabled") {
		c.Extension.Enabled = true
	}
	if c.Extension.Address == "" {
		c.Extension.Address = c.RuntimeAPI.Address
	}
	if c.Extension.Name == "" {
		c.Extension.Name = filepath.Base(os.Args[0])
	}
	if len(c.Extension.Events) == 0 {
		c.Extension.Events = []string{"INVOKE", "SHUTDOWN"}
	}

	if !viper.IsSet("gate.enabled") {
		c.Gate.Enabled = true
	}

	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"RS256"}
	}
	if c.Auth.Leeway == "" {
		c.Auth.Leeway = "0s"
	}
	if c.Auth.ClaimsField == "" {
		c.Auth.ClaimsField = "verifiedClaims"
	}

	if c.KeySet.FetchTimeout == "" {
		c.KeySet.FetchTimeout = "5s"
	}
	if c.KeySet.CacheTTL == "" {
		c.KeySet.CacheTTL = "0s"
	}
	if c.KeySet.MinRefreshInterval == "" {
		c.KeySet.MinRefreshInterval = "0s"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 10
	}
	if c.Audit.MaxFiles == 0 {
		c.Audit.MaxFiles = 5
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "runtime-gate"
	}
}
