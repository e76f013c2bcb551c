package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testPrivkey = "0x25295f0d1d592a90b333e26e85149708208e9f8e8bc18f6c77bd62f8ad7a6866"

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Validators = []*ValidatorConfig{{
		Privkey:      testPrivkey,
		FeeRecipient: "0x8943545177806ED17B9F23F0a21ee5948eCaa776",
	}}

	return cfg
}

func TestLoadConfig(t *testing.T) {
	yaml := `
beacon_node: "http://beacon:5052"
metrics_port: 9090
graffiti: "hello"
builder_selection: "builder_always"
builder:
  enabled: true
  relay_urls:
    - "http://relay:18550"
  timeout: 6s
  allowed_faults: 4
validators:
  - privkey: "` + testPrivkey + `"
    fee_recipient: "0x8943545177806ED17B9F23F0a21ee5948eCaa776"
    strict_fee_recipient_check: true
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	loader := NewLoader(logrus.New())

	cfg, err := loader.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://beacon:5052", cfg.BeaconNodeURL)
	require.Equal(t, uint16(9090), cfg.MetricsPort)
	require.Equal(t, "builder_always", cfg.BuilderSelection)
	require.True(t, cfg.Builder.Enabled)
	require.Equal(t, 6*time.Second, cfg.Builder.Timeout)
	require.Equal(t, uint64(4), cfg.Builder.AllowedFaults)
	require.Len(t, cfg.Validators, 1)
	require.True(t, cfg.Validators[0].StrictFeeRecipientCheck)

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfigMissingFile(t *testing.T) {
	loader := NewLoader(logrus.New())

	_, err := loader.LoadConfig("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "missing beacon node",
			mutate:  func(cfg *Config) { cfg.BeaconNodeURL = "" },
			wantErr: "beacon_node",
		},
		{
			name:    "unknown policy",
			mutate:  func(cfg *Config) { cfg.BuilderSelection = "cheapest" },
			wantErr: "builder_selection",
		},
		{
			name: "builder enabled without relays",
			mutate: func(cfg *Config) {
				cfg.Builder.Enabled = true
			},
			wantErr: "relay_urls",
		},
		{
			name: "allowed faults above half the window",
			mutate: func(cfg *Config) {
				cfg.Builder.FaultInspectionWindow = 32
				cfg.Builder.AllowedFaults = 20
			},
			wantErr: "allowed_faults",
		},
		{
			name:    "no validators",
			mutate:  func(cfg *Config) { cfg.Validators = nil },
			wantErr: "at least one validator",
		},
		{
			name: "short privkey",
			mutate: func(cfg *Config) {
				cfg.Validators[0].Privkey = "0x1234"
			},
			wantErr: "privkey",
		},
		{
			name: "missing fee recipient",
			mutate: func(cfg *Config) {
				cfg.Validators[0].FeeRecipient = ""
			},
			wantErr: "fee_recipient",
		},
		{
			name: "bad per-validator policy",
			mutate: func(cfg *Config) {
				cfg.Validators[0].BuilderSelection = "whatever"
			},
			wantErr: "builder_selection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
