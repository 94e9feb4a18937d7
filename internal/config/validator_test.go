package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a defaulted GateConfig with only the required fields set.
func minimalValidConfig() *GateConfig {
	cfg := &GateConfig{
		RuntimeAPI: RuntimeAPIConfig{Address: "127.0.0.1:9001"},
		Auth: AuthConfig{
			JWKSURL: "https://issuer.example.com/.well-known/jwks.json",
			Issuer:  "https://issuer.example.com/",
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*GateConfig)
		wantErr string
	}{
		{
			name:    "missing jwks url",
			mutate:  func(c *GateConfig) { c.Auth.JWKSURL = "" },
			wantErr: "JWKSURL is required",
		},
		{
			name:    "missing issuer",
			mutate:  func(c *GateConfig) { c.Auth.Issuer = "" },
			wantErr: "Issuer is required",
		},
		{
			name:    "missing runtime api",
			mutate:  func(c *GateConfig) { c.RuntimeAPI.Address = "" },
			wantErr: "Address is required",
		},
		{
			name:    "jwks url not a url",
			mutate:  func(c *GateConfig) { c.Auth.JWKSURL = "not a url" },
			wantErr: "must be a valid URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_Algorithms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		algs    []string
		wantErr bool
	}{
		{"default", []string{"RS256"}, false},
		{"mixed asymmetric", []string{"RS256", "ES256", "EdDSA"}, false},
		{"hmac rejected", []string{"HS256"}, true},
		{"none rejected", []string{"none"}, true},
		{"empty rejected", []string{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			cfg.Auth.Algorithms = tt.algs

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_InvalidAuditOutput(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"syslog", "file://relative/path", "file://", "dir://tmp/audit"} {
		cfg := minimalValidConfig()
		cfg.Audit.Output = output

		err := cfg.Validate()
		if err == nil {
			t.Errorf("Validate() with output %q expected error, got nil", output)
			continue
		}
		if !strings.Contains(err.Error(), "file://<absolute-path>") {
			t.Errorf("error = %q, want audit_output message", err.Error())
		}
	}
}

func TestValidate_ValidAuditOutputs(t *testing.T) {
	t.Parallel()

	for _, output := range []string{"stdout", "none", "file:///var/log/runtime-gate/audit.log", "dir:///tmp/runtime-gate-audit"} {
		cfg := minimalValidConfig()
		cfg.Audit.Output = output
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with output %q unexpected error: %v", output, err)
		}
	}
}

func TestValidate_Durations(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.KeySet.CacheTTL = "ten minutes"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for bad duration, got nil")
	}
	if !strings.Contains(err.Error(), "CacheTTL") {
		t.Errorf("error = %q, want to name CacheTTL", err.Error())
	}

	cfg = minimalValidConfig()
	cfg.Auth.Leeway = "-5s"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for negative leeway, got nil")
	}
}

func TestValidate_ExtensionRequiresAddress(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Extension.Address = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "extension.address") {
		t.Errorf("error = %q, want to contain extension.address", err.Error())
	}

	cfg.Extension.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with extension disabled unexpected error: %v", err)
	}
}

func TestValidate_ExtensionEvents(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Extension.Events = []string{"INVOKE", "RESTART"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for unknown event, got nil")
	}
}

func TestValidate_ClaimsFieldCollision(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.ClaimsField = "headers"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "collides") {
		t.Errorf("error = %q, want to contain 'collides'", err.Error())
	}
}
