// Package config provides configuration types for the MCP gateway control plane.
//
// The control plane is stateless: configuration covers the authority and
// identity provider endpoints, the two HTTP listeners (bundle distribution
// and constraint evaluation), rebuild/reconciliation cadence, and the
// optional approval replay worker. Everything has a safe default so the
// binary runs against a local development stack with no configuration at all.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the top-level configuration for the control plane.
type Config struct {
	// Authority configures the policy authority (protocol-instance REST + event stream).
	Authority AuthorityConfig `yaml:"authority" mapstructure:"authority"`

	// Identity configures the identity provider used for gateway token acquisition.
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Bundle configures the bundle builder and distribution server.
	Bundle BundleConfig `yaml:"bundle" mapstructure:"bundle"`

	// Evaluator configures the constraint evaluator service.
	Evaluator EvaluatorConfig `yaml:"evaluator" mapstructure:"evaluator"`

	// Replay configures the store-and-forward replay worker.
	Replay ReplayConfig `yaml:"replay" mapstructure:"replay"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// AuthorityConfig configures access to the policy authority.
type AuthorityConfig struct {
	// URL is the base URL of the authority's REST API and event stream.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
}

// IdentityConfig configures the OAuth2 resource-owner-password grant used to
// obtain the gateway bearer token.
type IdentityConfig struct {
	// URL is the base URL of the identity provider.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// Realm is the identity provider realm containing the gateway client.
	Realm string `yaml:"realm" mapstructure:"realm" validate:"required"`

	// ClientID is the OAuth2 client id used for the password grant.
	ClientID string `yaml:"client_id" mapstructure:"client_id" validate:"required"`

	// Username is the gateway service account username.
	Username string `yaml:"username" mapstructure:"username" validate:"required"`

	// Password is the gateway service account password.
	Password string `yaml:"password" mapstructure:"password" validate:"required"`
}

// BundleConfig configures the bundle builder and its HTTP distribution server.
type BundleConfig struct {
	// Port is the listen port of the distribution server.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// Name is the bundle name segment in the download path
	// (GET /bundles/<name>/data.tar.gz).
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// ReconcileIntervalSeconds is the period of the unconditional rebuild
	// that backstops silent event-stream failures.
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" mapstructure:"reconcile_interval_seconds" validate:"min=1"`

	// StalenessThresholdSeconds is the bundle age past which /health
	// reports "degraded".
	StalenessThresholdSeconds int `yaml:"staleness_threshold_seconds" mapstructure:"staleness_threshold_seconds" validate:"min=1"`
}

// EvaluatorConfig configures the constraint evaluator service.
type EvaluatorConfig struct {
	// Port is the listen port of the evaluator server.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// CacheRefreshSeconds is the period of the tool-config cache snapshot.
	CacheRefreshSeconds int `yaml:"cache_refresh_seconds" mapstructure:"cache_refresh_seconds" validate:"min=1"`
}

// ReplayConfig configures the approval replay worker.
type ReplayConfig struct {
	// Enabled turns the replay worker on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PollIntervalSeconds is the maximum wait between replay cycles when no
	// event-stream signal arrives.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" mapstructure:"poll_interval_seconds" validate:"min=1"`

	// Backends maps service name to the backend MCP server URL, serialized
	// as a JSON object so it can be supplied in a single environment variable.
	// Example: {"gmail":"http://gmail-bridge:9000/mcp"}
	Backends string `yaml:"backends" mapstructure:"backends" validate:"omitempty,backend_map"`
}

// ReconcileInterval returns the reconciliation interval as a duration.
func (c *BundleConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// StalenessThreshold returns the staleness threshold as a duration.
func (c *BundleConfig) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}

// CacheRefresh returns the cache refresh period as a duration.
func (c *EvaluatorConfig) CacheRefresh() time.Duration {
	return time.Duration(c.CacheRefreshSeconds) * time.Second
}

// PollInterval returns the replay poll interval as a duration.
func (c *ReplayConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BackendMap parses the Backends JSON object into a service-name keyed map.
// An empty Backends string yields an empty map.
func (c *ReplayConfig) BackendMap() (map[string]string, error) {
	if c.Backends == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(c.Backends), &m); err != nil {
		return nil, fmt.Errorf("replay.backends is not a JSON object of service to URL: %w", err)
	}
	return m, nil
}

// SetDefaults applies sensible default values to the configuration.
// Defaults target a local development stack; production deployments override
// via environment variables or the config file.
func (c *Config) SetDefaults() {
	if c.Authority.URL == "" {
		c.Authority.URL = "http://localhost:12000"
	}

	if c.Identity.URL == "" {
		c.Identity.URL = "http://localhost:11000"
	}
	if c.Identity.Realm == "" {
		c.Identity.Realm = "mcpgateway"
	}
	if c.Identity.ClientID == "" {
		c.Identity.ClientID = "mcpgateway"
	}
	if c.Identity.Username == "" {
		c.Identity.Username = "gateway"
	}
	if c.Identity.Password == "" {
		c.Identity.Password = "Welcome123"
	}

	if c.Bundle.Port == 0 {
		c.Bundle.Port = 8282
	}
	if c.Bundle.Name == "" {
		c.Bundle.Name = "mcp"
	}
	if c.Bundle.ReconcileIntervalSeconds == 0 {
		c.Bundle.ReconcileIntervalSeconds = 30
	}
	if c.Bundle.StalenessThresholdSeconds == 0 {
		c.Bundle.StalenessThresholdSeconds = 60
	}

	if c.Evaluator.Port == 0 {
		c.Evaluator.Port = 8090
	}
	if c.Evaluator.CacheRefreshSeconds == 0 {
		c.Evaluator.CacheRefreshSeconds = 30
	}

	if c.Replay.PollIntervalSeconds == 0 {
		c.Replay.PollIntervalSeconds = 15
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
