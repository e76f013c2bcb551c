// Package proposer contains the block-production pipeline: arbitration
// between local-engine and builder candidates, per-duty orchestration of
// signing and publishing, and the duties scheduler that drives it.
package proposer

import (
	"fmt"

	apiv1capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"

	"github.com/rdvorkin/lodestar/pkg/chain"
)

// Source identifies where a candidate block was produced.
type Source string

const (
	SourceEngine  Source = "engine"
	SourceBuilder Source = "builder"
)

// CandidateBlock is a produced-but-unsigned block normalized across its two
// axes of shape: blinded or full, with or without blobs. Exactly one of the
// four block fields is set, matching Version and Blinded.
type CandidateBlock struct {
	Version spec.DataVersion
	Source  Source
	Blinded bool

	// Value is the payment to the proposer in wei.
	Value *uint256.Int

	Capella        *capella.BeaconBlock
	CapellaBlinded *apiv1capella.BlindedBeaconBlock
	Deneb          *deneb.BeaconBlock
	DenebBlinded   *apiv1deneb.BlindedBeaconBlock

	// Blob material, index-aligned with the body's KZG commitments. Blobs
	// and KZGProofs are set for a full deneb candidate, BlobRoots and
	// KZGProofs for a blinded one. Empty before the blob fork.
	Blobs     []deneb.Blob
	BlobRoots []phase0.Root
	KZGProofs []deneb.KZGProof
}

// Slot returns the candidate's slot.
func (c *CandidateBlock) Slot() (phase0.Slot, error) {
	switch {
	case c.Capella != nil:
		return c.Capella.Slot, nil
	case c.CapellaBlinded != nil:
		return c.CapellaBlinded.Slot, nil
	case c.Deneb != nil:
		return c.Deneb.Slot, nil
	case c.DenebBlinded != nil:
		return c.DenebBlinded.Slot, nil
	default:
		return 0, fmt.Errorf("candidate has no block")
	}
}

// ProposerIndex returns the candidate's proposer index.
func (c *CandidateBlock) ProposerIndex() (phase0.ValidatorIndex, error) {
	switch {
	case c.Capella != nil:
		return c.Capella.ProposerIndex, nil
	case c.CapellaBlinded != nil:
		return c.CapellaBlinded.ProposerIndex, nil
	case c.Deneb != nil:
		return c.Deneb.ProposerIndex, nil
	case c.DenebBlinded != nil:
		return c.DenebBlinded.ProposerIndex, nil
	default:
		return 0, fmt.Errorf("candidate has no block")
	}
}

// ParentRoot returns the candidate's parent beacon block root.
func (c *CandidateBlock) ParentRoot() (phase0.Root, error) {
	switch {
	case c.Capella != nil:
		return c.Capella.ParentRoot, nil
	case c.CapellaBlinded != nil:
		return c.CapellaBlinded.ParentRoot, nil
	case c.Deneb != nil:
		return c.Deneb.ParentRoot, nil
	case c.DenebBlinded != nil:
		return c.DenebBlinded.ParentRoot, nil
	default:
		return phase0.Root{}, fmt.Errorf("candidate has no block")
	}
}

// HashTreeRoot returns the SSZ hash tree root of the candidate's block.
func (c *CandidateBlock) HashTreeRoot() (phase0.Root, error) {
	switch {
	case c.Capella != nil:
		return c.Capella.HashTreeRoot()
	case c.CapellaBlinded != nil:
		return c.CapellaBlinded.HashTreeRoot()
	case c.Deneb != nil:
		return c.Deneb.HashTreeRoot()
	case c.DenebBlinded != nil:
		return c.DenebBlinded.HashTreeRoot()
	default:
		return phase0.Root{}, fmt.Errorf("candidate has no block")
	}
}

// BlobCount returns the number of blobs the candidate carries.
func (c *CandidateBlock) BlobCount() int {
	if c.Blinded {
		return len(c.BlobRoots)
	}

	return len(c.Blobs)
}

// Validate checks the candidate's internal consistency: the set block field
// matches Version and Blinded, blob material exists only after the blob fork,
// and the blob lists are index-aligned with each other and with the body's
// commitments.
func (c *CandidateBlock) Validate() error {
	var blockSet bool

	switch c.Version {
	case spec.DataVersionCapella:
		if c.Blinded {
			blockSet = c.CapellaBlinded != nil
		} else {
			blockSet = c.Capella != nil
		}
	case spec.DataVersionDeneb:
		if c.Blinded {
			blockSet = c.DenebBlinded != nil
		} else {
			blockSet = c.Deneb != nil
		}
	default:
		return fmt.Errorf("unsupported candidate version %s", c.Version)
	}

	if !blockSet {
		return fmt.Errorf("no %s block for blinded=%t candidate", c.Version, c.Blinded)
	}

	if !chain.SupportsBlobs(c.Version) && c.BlobCount() > 0 {
		return fmt.Errorf("%s candidate carries blobs before the blob fork", c.Version)
	}

	if c.Blinded {
		if len(c.Blobs) > 0 {
			return fmt.Errorf("blinded candidate carries full blobs")
		}
		if len(c.BlobRoots) != len(c.KZGProofs) {
			return fmt.Errorf("blob roots and proofs disagree: %d vs %d", len(c.BlobRoots), len(c.KZGProofs))
		}
	} else {
		if len(c.BlobRoots) > 0 {
			return fmt.Errorf("full candidate carries blinded blob roots")
		}
		if len(c.Blobs) != len(c.KZGProofs) {
			return fmt.Errorf("blobs and proofs disagree: %d vs %d", len(c.Blobs), len(c.KZGProofs))
		}
	}

	if c.Version == spec.DataVersionDeneb {
		var commitments int
		if c.Blinded {
			if c.DenebBlinded.Body == nil {
				return fmt.Errorf("deneb candidate has no block body")
			}
			commitments = len(c.DenebBlinded.Body.BlobKZGCommitments)
		} else {
			if c.Deneb.Body == nil {
				return fmt.Errorf("deneb candidate has no block body")
			}
			commitments = len(c.Deneb.Body.BlobKZGCommitments)
		}

		if c.BlobCount() != commitments {
			return fmt.Errorf("blob material and body commitments disagree: %d vs %d", c.BlobCount(), commitments)
		}
	}

	if c.Value == nil {
		return fmt.Errorf("candidate has no value")
	}

	return nil
}
