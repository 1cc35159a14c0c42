package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers control-plane specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// backend_map: validates a JSON object of serviceName -> absolute URL
	if err := v.RegisterValidation("backend_map", validateBackendMap); err != nil {
		return fmt.Errorf("failed to register backend_map validator: %w", err)
	}
	return nil
}

// validateBackendMap validates the replay.backends field: a JSON object whose
// values are absolute http(s) URLs.
func validateBackendMap(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return true
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return false
	}
	for _, backend := range m {
		u, err := url.Parse(backend)
		if err != nil || u.Host == "" {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
	}
	return true
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field: the replay worker is useless without a backend map.
	if c.Replay.Enabled {
		backends, err := c.Replay.BackendMap()
		if err != nil {
			return err
		}
		if len(backends) == 0 {
			return errors.New("replay.enabled is set but replay.backends is empty")
		}
	}

	// The two listeners cannot share a port.
	if c.Bundle.Port == c.Evaluator.Port {
		return fmt.Errorf("bundle.port and evaluator.port are both %d", c.Bundle.Port)
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

// formatSingleValidationError renders one field error with its config path.
func formatSingleValidationError(e validator.FieldError) string {
	// Namespace is like "Config.Bundle.Port"; drop the leading type name.
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	field = strings.ToLower(field)

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s: required", field)
	case "url":
		return fmt.Sprintf("%s: must be a valid URL (got %q)", field, e.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s] (got %q)", field, e.Param(), e.Value())
	case "min", "max":
		return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value())
	case "backend_map":
		return fmt.Sprintf("%s: must be a JSON object mapping service name to http(s) URL", field)
	default:
		return fmt.Sprintf("%s: failed %s validation", field, e.Tag())
	}
}
