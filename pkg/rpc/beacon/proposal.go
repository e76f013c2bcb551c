package beacon

import (
	"context"
	"fmt"
	"math/big"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/holiman/uint256"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
	"github.com/rdvorkin/lodestar/pkg/proposer"
)

// Proposal produces a full block via the beacon node's local execution
// engine path.
func (c *Client) Proposal(ctx context.Context, req *proposer.ProposalRequest) (*proposer.FullProposal, error) {
	provider, ok := c.client.(eth2client.ProposalProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support proposal provider")
	}

	resp, err := provider.Proposal(ctx, &api.ProposalOpts{
		Slot:         req.Slot,
		RandaoReveal: req.RandaoReveal,
		Graffiti:     req.Graffiti,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to produce block: %w", err)
	}

	data := resp.Data
	if data.Blinded {
		return nil, fmt.Errorf("node returned a blinded block on the full production path")
	}

	proposal := &proposer.FullProposal{
		Version: data.Version,
		Value:   executionValue(data.ExecutionValue),
	}

	switch data.Version {
	case spec.DataVersionCapella:
		proposal.Capella = data.Capella
	case spec.DataVersionDeneb:
		proposal.Deneb = data.Deneb.Block
		proposal.Blobs = data.Deneb.Blobs
		proposal.KZGProofs = data.Deneb.KZGProofs
	default:
		return nil, fmt.Errorf("unsupported proposal version %s", data.Version)
	}

	return proposal, nil
}

// blindedProposalProvider is the blinded production surface of the http
// service; the library names no interface for it.
type blindedProposalProvider interface {
	BlindedProposal(ctx context.Context, opts *api.BlindedProposalOpts) (*api.Response[*api.VersionedBlindedProposal], error)
}

var _ blindedProposalProvider = (*http.Service)(nil)

// BlindedProposal produces a blinded block scaffold for the builder path.
func (c *Client) BlindedProposal(ctx context.Context, req *proposer.ProposalRequest) (*proposer.BlindedProposal, error) {
	provider, ok := c.client.(blindedProposalProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support blinded proposal provider")
	}

	resp, err := provider.BlindedProposal(ctx, &api.BlindedProposalOpts{
		Slot:         req.Slot,
		RandaoReveal: req.RandaoReveal,
		Graffiti:     req.Graffiti,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to produce blinded block: %w", err)
	}

	data := resp.Data
	proposal := &proposer.BlindedProposal{Version: data.Version}

	switch data.Version {
	case spec.DataVersionCapella:
		proposal.Capella = data.Capella
	case spec.DataVersionDeneb:
		proposal.Deneb = data.Deneb
	default:
		return nil, fmt.Errorf("unsupported blinded proposal version %s", data.Version)
	}

	return proposal, nil
}

// PublishBlock submits signed full block contents to the network.
func (c *Client) PublishBlock(ctx context.Context, contents *builderapi.VersionedSignedBlockContents) error {
	submitter, ok := c.client.(eth2client.ProposalSubmitter)
	if !ok {
		return fmt.Errorf("client does not support proposal submitter")
	}

	proposal := &api.VersionedSignedProposal{Version: contents.Version}

	switch contents.Version {
	case spec.DataVersionCapella:
		proposal.Capella = contents.Capella
	case spec.DataVersionDeneb:
		blobs := make([]deneb.Blob, len(contents.Deneb.SignedBlobSidecars))
		proofs := make([]deneb.KZGProof, len(contents.Deneb.SignedBlobSidecars))
		for i, sidecar := range contents.Deneb.SignedBlobSidecars {
			blobs[i] = sidecar.Message.Blob
			proofs[i] = sidecar.Message.KZGProof
		}

		proposal.Deneb = &apiv1deneb.SignedBlockContents{
			SignedBlock: contents.Deneb.SignedBlock,
			KZGProofs:   proofs,
			Blobs:       blobs,
		}
	default:
		return fmt.Errorf("unsupported block version %s", contents.Version)
	}

	if err := submitter.SubmitProposal(ctx, &api.SubmitProposalOpts{Proposal: proposal}); err != nil {
		return fmt.Errorf("failed to publish block: %w", err)
	}

	return nil
}

// PublishBlindedBlock submits a signed blinded block to the beacon node,
// which performs the reveal itself.
func (c *Client) PublishBlindedBlock(ctx context.Context, blinded *builderapi.VersionedSignedBlindedBlock) error {
	submitter, ok := c.client.(eth2client.BlindedProposalSubmitter)
	if !ok {
		return fmt.Errorf("client does not support blinded proposal submitter")
	}

	proposal := &api.VersionedSignedBlindedProposal{Version: blinded.Version}

	switch blinded.Version {
	case spec.DataVersionCapella:
		proposal.Capella = blinded.Capella
	case spec.DataVersionDeneb:
		proposal.Deneb = blinded.Deneb.SignedBlindedBlock
	default:
		return fmt.Errorf("unsupported blinded block version %s", blinded.Version)
	}

	if err := submitter.SubmitBlindedProposal(ctx, &api.SubmitBlindedProposalOpts{Proposal: proposal}); err != nil {
		return fmt.Errorf("failed to publish blinded block: %w", err)
	}

	return nil
}

func executionValue(value *big.Int) *uint256.Int {
	if value == nil || value.Sign() < 0 {
		return uint256.NewInt(0)
	}

	parsed, overflow := uint256.FromBig(value)
	if overflow {
		return uint256.NewInt(0)
	}

	return parsed
}
