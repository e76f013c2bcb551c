package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from files and flags.
type Loader struct {
	log logrus.FieldLogger
}

// NewLoader creates a new configuration loader.
func NewLoader(log logrus.FieldLogger) *Loader {
	return &Loader{
		log: log.WithField("component", "config"),
	}
}

// LoadConfig loads configuration from a YAML file.
func (l *Loader) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromFlags overlays viper flag values on the defaults. Validator
// keys can only come from a config file.
func (l *Loader) LoadConfigFromFlags(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if val := v.GetString("beacon-node"); val != "" {
		cfg.BeaconNodeURL = val
	}

	if val := v.GetString("graffiti"); val != "" {
		cfg.Graffiti = val
	}

	if val := v.GetString("builder-selection"); val != "" {
		cfg.BuilderSelection = val
	}

	cfg.MetricsPort = uint16(v.GetUint32("metrics-port"))
	cfg.Debug = v.GetBool("debug")

	cfg.Builder.Enabled = v.GetBool("builder")
	if val := v.GetStringSlice("builder-relay"); len(val) > 0 {
		cfg.Builder.RelayURLs = val
	}

	if val := v.GetDuration("builder-timeout"); val > 0 {
		cfg.Builder.Timeout = val
	}

	cfg.Builder.FaultInspectionWindow = v.GetUint64("builder-fault-inspection-window")
	cfg.Builder.AllowedFaults = v.GetUint64("builder-allowed-faults")

	return cfg, nil
}

// ValidateConfig validates the configuration for consistency and
// completeness.
func ValidateConfig(cfg *Config) error {
	if cfg.BeaconNodeURL == "" {
		return fmt.Errorf("beacon_node is required")
	}

	if _, err := url.Parse(cfg.BeaconNodeURL); err != nil {
		return fmt.Errorf("beacon_node: invalid URL: %w", err)
	}

	if err := validatePolicy(cfg.BuilderSelection); err != nil {
		return fmt.Errorf("builder_selection: %w", err)
	}

	if cfg.Builder.Enabled && len(cfg.Builder.RelayURLs) == 0 {
		return fmt.Errorf("builder.relay_urls is required when the builder is enabled")
	}

	for i, relay := range cfg.Builder.RelayURLs {
		if _, err := url.Parse(relay); err != nil {
			return fmt.Errorf("builder.relay_urls[%d]: invalid URL: %w", i, err)
		}
	}

	if window := cfg.Builder.FaultInspectionWindow; window > 0 && cfg.Builder.AllowedFaults > window/2 {
		return fmt.Errorf("builder.allowed_faults must not exceed half the fault inspection window")
	}

	if len(cfg.Validators) == 0 {
		return fmt.Errorf("at least one validator is required")
	}

	for i, v := range cfg.Validators {
		if err := validateValidator(v); err != nil {
			return fmt.Errorf("validators[%d]: %w", i, err)
		}
	}

	return nil
}

func validateValidator(v *ValidatorConfig) error {
	privkey := strings.TrimPrefix(v.Privkey, "0x")

	decoded, err := hex.DecodeString(privkey)
	if err != nil {
		return fmt.Errorf("privkey: invalid hex encoding: %w", err)
	}

	if len(decoded) != 32 {
		return fmt.Errorf("privkey: must be 32 bytes, got %d", len(decoded))
	}

	if v.FeeRecipient == "" {
		return fmt.Errorf("fee_recipient is required")
	}

	if !common.IsHexAddress(v.FeeRecipient) {
		return fmt.Errorf("fee_recipient: invalid address %q", v.FeeRecipient)
	}

	if v.BuilderSelection != "" {
		if err := validatePolicy(v.BuilderSelection); err != nil {
			return fmt.Errorf("builder_selection: %w", err)
		}
	}

	return nil
}

func validatePolicy(policy string) error {
	switch policy {
	case "max_profit", "builder_always", "builder_only", "execution_only":
		return nil
	default:
		return fmt.Errorf("unknown policy %q", policy)
	}
}
