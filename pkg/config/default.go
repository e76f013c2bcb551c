package config

import "time"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BeaconNodeURL:    "http://localhost:5052",
		MetricsPort:      0,
		BuilderSelection: "max_profit",
		Builder: BuilderConfig{
			Enabled:             false,
			Timeout:             12 * time.Second,
			StatusCheckInterval: 12 * time.Second,
		},
	}
}
