// Package config handles configuration loading and validation for the
// validator client.
package config

import "time"

// Config represents the complete configuration for the validator client.
type Config struct {
	BeaconNodeURL    string `yaml:"beacon_node" json:"beacon_node"`
	MetricsPort      uint16 `yaml:"metrics_port" json:"metrics_port"` // Optional, 0 = disabled
	Graffiti         string `yaml:"graffiti" json:"graffiti,omitempty"`
	BuilderSelection string `yaml:"builder_selection" json:"builder_selection"` // Default policy for all validators
	Debug            bool   `yaml:"debug" json:"debug"`

	Builder    BuilderConfig      `yaml:"builder" json:"builder"`
	Validators []*ValidatorConfig `yaml:"validators" json:"validators"`
}

// BuilderConfig configures the external builder relay connection.
type BuilderConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	RelayURLs           []string      `yaml:"relay_urls" json:"relay_urls"` // First is primary
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent           string        `yaml:"user_agent" json:"user_agent,omitempty"`
	StatusCheckInterval time.Duration `yaml:"status_check_interval" json:"status_check_interval"`

	// Circuit breaker overrides; 0 means drawn at random on startup.
	FaultInspectionWindow uint64 `yaml:"fault_inspection_window" json:"fault_inspection_window"`
	AllowedFaults         uint64 `yaml:"allowed_faults" json:"allowed_faults"`
}

// ValidatorConfig is one validator key with its proposal preferences.
// Unset fields fall back to the top-level defaults.
type ValidatorConfig struct {
	Privkey                 string `yaml:"privkey" json:"privkey"`
	Graffiti                string `yaml:"graffiti" json:"graffiti,omitempty"`
	FeeRecipient            string `yaml:"fee_recipient" json:"fee_recipient"`
	StrictFeeRecipientCheck bool   `yaml:"strict_fee_recipient_check" json:"strict_fee_recipient_check"`
	BuilderSelection        string `yaml:"builder_selection" json:"builder_selection,omitempty"`
}
