// Package beacon provides a client for interacting with Ethereum consensus
// layer nodes: chain spec discovery, block production, duty lookups, and
// block publication.
package beacon

import (
	"context"
	"fmt"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/rdvorkin/lodestar/pkg/chain"
)

// farFutureEpoch marks a fork that is not scheduled.
const farFutureEpoch = phase0.Epoch(0xffffffffffffffff)

// Client wraps the consensus layer client for beacon node interactions.
type Client struct {
	client  eth2client.Service
	baseURL string
	log     logrus.FieldLogger
}

// NewClient creates a new CL client connected to the specified beacon node.
func NewClient(ctx context.Context, baseURL string, log logrus.FieldLogger) (*Client, error) {
	clientLog := log.WithField("component", "cl-client")

	httpClient, err := http.New(ctx,
		http.WithAddress(baseURL),
		http.WithLogLevel(zerolog.WarnLevel),
		http.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &Client{
		client:  httpClient,
		baseURL: baseURL,
		log:     clientLog,
	}, nil
}

// GetBaseURL returns the base URL of the beacon node.
func (c *Client) GetBaseURL() string {
	return c.baseURL
}

// FetchSpec assembles the chain spec from the node's spec and genesis
// endpoints.
func (c *Client) FetchSpec(ctx context.Context) (*chain.Spec, error) {
	specProvider, ok := c.client.(eth2client.SpecProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support spec provider")
	}

	specResp, err := specProvider.Spec(ctx, &api.SpecOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get spec: %w", err)
	}

	raw := specResp.Data

	secondsPerSlot, ok := raw["SECONDS_PER_SLOT"].(time.Duration)
	if !ok {
		return nil, fmt.Errorf("SECONDS_PER_SLOT not found or invalid type")
	}

	slotsPerEpoch, ok := raw["SLOTS_PER_EPOCH"].(uint64)
	if !ok {
		return nil, fmt.Errorf("SLOTS_PER_EPOCH not found or invalid type")
	}

	capellaVersion, ok := raw["CAPELLA_FORK_VERSION"].(phase0.Version)
	if !ok {
		return nil, fmt.Errorf("CAPELLA_FORK_VERSION not found or invalid type")
	}

	genesisVersion, ok := raw["GENESIS_FORK_VERSION"].(phase0.Version)
	if !ok {
		return nil, fmt.Errorf("GENESIS_FORK_VERSION not found or invalid type")
	}

	chainSpec := &chain.Spec{
		SecondsPerSlot:     secondsPerSlot,
		SlotsPerEpoch:      slotsPerEpoch,
		GenesisForkVersion: genesisVersion,
		CapellaForkVersion: capellaVersion,
		DenebForkEpoch:     farFutureEpoch,
	}

	if epoch, ok := raw["CAPELLA_FORK_EPOCH"].(uint64); ok {
		chainSpec.CapellaForkEpoch = phase0.Epoch(epoch)
	}

	// Deneb may not be scheduled yet on the connected network.
	if epoch, ok := raw["DENEB_FORK_EPOCH"].(uint64); ok {
		chainSpec.DenebForkEpoch = phase0.Epoch(epoch)
	}

	if version, ok := raw["DENEB_FORK_VERSION"].(phase0.Version); ok {
		chainSpec.DenebForkVersion = version
	}

	genesisProvider, ok := c.client.(eth2client.GenesisProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support genesis provider")
	}

	genesisResp, err := genesisProvider.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get genesis: %w", err)
	}

	chainSpec.GenesisTime = genesisResp.Data.GenesisTime
	chainSpec.GenesisValidatorsRoot = genesisResp.Data.GenesisValidatorsRoot

	return chainSpec, nil
}

// ValidatorIndices resolves the active indices for the given public keys.
func (c *Client) ValidatorIndices(
	ctx context.Context,
	pubkeys []phase0.BLSPubKey,
) (map[phase0.ValidatorIndex]phase0.BLSPubKey, error) {
	provider, ok := c.client.(eth2client.ValidatorsProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support validators provider")
	}

	resp, err := provider.Validators(ctx, &api.ValidatorsOpts{
		State:   "head",
		PubKeys: pubkeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get validators: %w", err)
	}

	indices := make(map[phase0.ValidatorIndex]phase0.BLSPubKey, len(resp.Data))
	for index, validator := range resp.Data {
		indices[index] = validator.Validator.PublicKey
	}

	return indices, nil
}

// ProposerDuties fetches the proposer duties for an epoch, restricted to the
// given validator indices.
func (c *Client) ProposerDuties(
	ctx context.Context,
	epoch phase0.Epoch,
	indices []phase0.ValidatorIndex,
) ([]*apiv1.ProposerDuty, error) {
	provider, ok := c.client.(eth2client.ProposerDutiesProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support proposer duties provider")
	}

	resp, err := provider.ProposerDuties(ctx, &api.ProposerDutiesOpts{
		Epoch:   epoch,
		Indices: indices,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get proposer duties: %w", err)
	}

	return resp.Data, nil
}
