package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// supportedAlgorithms are the asymmetric JWS algorithms the verifier accepts.
// Symmetric algorithms are excluded: a JWKS only publishes public keys.
var supportedAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

// RegisterCustomValidators registers Runtime Gate validation rules.
// Must be called before validating GateConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"duration":     validateDuration,
		"jwt_alg":      validateAlgorithm,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAuditOutput accepts "stdout", "none", "file://<absolute-path>"
// or "dir://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" || output == "none" {
		return true
	}

	for _, scheme := range []string{"file://", "dir://"} {
		if strings.HasPrefix(output, scheme) {
			path := strings.TrimPrefix(output, scheme)
			return path != "" && filepath.IsAbs(path)
		}
	}

	return false
}

// validateDuration accepts any non-negative time.ParseDuration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateAlgorithm(fl validator.FieldLevel) bool {
	_, ok := supportedAlgorithms[fl.Field().String()]
	return ok
}

// Validate validates the GateConfig using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *GateConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateExtension(); err != nil {
		return err
	}

	return c.validateClaimsField()
}

// validateExtension requires an Extensions API address when registration is on.
func (c *GateConfig) validateExtension() error {
	if !c.Extension.Enabled {
		return nil
	}
	if c.Extension.Address == "" {
		return errors.New("extension.address is required when extension.enabled is true")
	}
	if c.Extension.Name == "" {
		return errors.New("extension.name is required when extension.enabled is true")
	}
	return nil
}

// validateClaimsField rejects field names that would shadow the payload's
// own routing data.
func (c *GateConfig) validateClaimsField() error {
	switch c.Auth.ClaimsField {
	case "headers", "body", "multiValueHeaders", "requestContext":
		return fmt.Errorf("auth.claims_field %q collides with an event field", c.Auth.ClaimsField)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'none', 'file://<absolute-path>' or 'dir://<absolute-path>'", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as \"5s\"", field)
	case "jwt_alg":
		return fmt.Sprintf("%s must be an asymmetric JWS algorithm (RS256, ES256, EdDSA, ...)", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
