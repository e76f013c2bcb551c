// Package cmd implements the CLI commands for the validator client.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rdvorkin/lodestar/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "lodestar",
	Short: "Ethereum beacon-chain validator block producer",
	Long: `Lodestar proposes blocks for a configured set of validator keys,
racing local-engine production against an external builder relay
according to a per-validator selection policy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogger()

		return initConfig()
	},
}

func init() {
	v = viper.New()

	defaults := config.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("beacon-node", defaults.BeaconNodeURL, "Beacon node HTTP API URL")
	rootCmd.PersistentFlags().String("graffiti", "", "Default block graffiti")
	rootCmd.PersistentFlags().String("builder-selection", defaults.BuilderSelection,
		"Default selection policy: max_profit, builder_always, builder_only, execution_only")
	rootCmd.PersistentFlags().Uint32("metrics-port", uint32(defaults.MetricsPort), "Metrics HTTP port (0 = disabled)")
	rootCmd.PersistentFlags().Bool("builder", defaults.Builder.Enabled, "Enable the external builder path")
	rootCmd.PersistentFlags().StringSlice("builder-relay", nil, "Builder relay URL (first is primary)")
	rootCmd.PersistentFlags().Duration("builder-timeout", defaults.Builder.Timeout, "Builder HTTP request timeout")
	rootCmd.PersistentFlags().Uint64("builder-fault-inspection-window", 0,
		"Circuit breaker window in slots (0 = randomized)")
	rootCmd.PersistentFlags().Uint64("builder-allowed-faults", 0,
		"Faults tolerated within the window (0 = randomized)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	v.AutomaticEnv()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initLogger() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}

	if v.GetBool("debug") {
		level = logrus.DebugLevel
	}

	logger.SetLevel(level)
}

func initConfig() error {
	loader := config.NewLoader(logger)

	var err error
	if cfgFile != "" {
		cfg, err = loader.LoadConfig(cfgFile)
	} else {
		cfg, err = loader.LoadConfigFromFlags(v)
	}

	return err
}
