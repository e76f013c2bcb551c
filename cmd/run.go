package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rdvorkin/lodestar/pkg/builderclient"
	"github.com/rdvorkin/lodestar/pkg/config"
	"github.com/rdvorkin/lodestar/pkg/keystore"
	"github.com/rdvorkin/lodestar/pkg/metrics"
	"github.com/rdvorkin/lodestar/pkg/proposer"
	"github.com/rdvorkin/lodestar/pkg/rpc/beacon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start proposing",
	Long: `Starts the validator client: connects to the beacon node, loads the
validator keys, and proposes blocks at each assigned slot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := config.ValidateConfig(cfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// 1. Beacon node client and chain spec
		logger.Info("Connecting to beacon node...")

		clClient, err := beacon.NewClient(ctx, cfg.BeaconNodeURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to beacon node: %w", err)
		}

		chainSpec, err := clClient.FetchSpec(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch chain spec: %w", err)
		}

		logger.WithField("genesis_time", chainSpec.GenesisTime).Info("Chain spec loaded")

		// 2. Validator keys
		ks, err := keystore.New(logger, chainSpec, validatorConfigs(cfg))
		if err != nil {
			return fmt.Errorf("failed to load validator keys: %w", err)
		}

		// 3. Metrics
		var m *metrics.Metrics

		if cfg.MetricsPort > 0 {
			registry := prometheus.NewRegistry()
			m = metrics.New(registry)

			srv := metrics.NewServer(logger, cfg.MetricsPort, registry)
			go func() {
				if err := srv.Start(); err != nil {
					logger.WithError(err).Error("Metrics server stopped")
				}
			}()

			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()

				if err := srv.Stop(shutdownCtx); err != nil {
					logger.WithError(err).Warn("Metrics server shutdown failed")
				}
			}()
		}

		// 4. Builder relay client
		var (
			builder  *builderclient.Client
			bids     proposer.BidSource
			revealer proposer.BlindedBlockRevealer
		)

		if cfg.Builder.Enabled {
			builder, err = builderclient.NewClient(&builderclient.Config{
				RelayURLs:             cfg.Builder.RelayURLs,
				Timeout:               cfg.Builder.Timeout,
				UserAgent:             cfg.Builder.UserAgent,
				FaultInspectionWindow: cfg.Builder.FaultInspectionWindow,
				AllowedFaults:         cfg.Builder.AllowedFaults,
			}, chainSpec, m, logger)
			if err != nil {
				return fmt.Errorf("failed to create builder client: %w", err)
			}

			bids = builder
			revealer = builder

			interval := cfg.Builder.StatusCheckInterval
			if interval <= 0 {
				interval = chainSpec.SecondsPerSlot
			}

			go builder.Monitor(ctx, chainSpec, interval)
		}

		// 5. Proposal pipeline
		arbiter := proposer.NewArbiter(logger, clClient, clClient, bids)
		svc := proposer.NewService(logger, chainSpec, arbiter, ks, clClient, revealer, m)
		scheduler := proposer.NewScheduler(logger, chainSpec, clClient, svc, ks.Pubkeys())

		errCh := make(chan error, 1)
		go func() {
			errCh <- scheduler.Run(ctx)
		}()

		logger.WithField("validators", len(ks.Pubkeys())).Info("Validator client started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("Shutting down")
			cancel()
			<-errCh
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("scheduler failed: %w", err)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// validatorConfigs resolves each validator's preferences, applying the
// top-level defaults for unset fields.
func validatorConfigs(cfg *config.Config) []*keystore.ValidatorConfig {
	configs := make([]*keystore.ValidatorConfig, len(cfg.Validators))
	for i, vc := range cfg.Validators {
		graffiti := vc.Graffiti
		if graffiti == "" {
			graffiti = cfg.Graffiti
		}

		policy := vc.BuilderSelection
		if policy == "" {
			policy = cfg.BuilderSelection
		}

		if !cfg.Builder.Enabled {
			policy = string(proposer.PolicyExecutionOnly)
		}

		configs[i] = &keystore.ValidatorConfig{
			PrivateKey:              vc.Privkey,
			Graffiti:                graffiti,
			FeeRecipient:            vc.FeeRecipient,
			StrictFeeRecipientCheck: vc.StrictFeeRecipientCheck,
			Policy:                  proposer.Policy(policy),
		}
	}

	return configs
}
