package builderapi

import (
	"fmt"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/pk910/dynamic-ssz/hasher"
	"github.com/pk910/dynamic-ssz/sszutils"
)

const maxBlobCommitmentsPerBlock = 4096

// HashTreeRoot computes the SSZ hash tree root of the bid message for the
// given fork. The container shape is fork-dependent: a capella bid carries a
// capella-typed header and no blobs bundle field.
func (b *BuilderBid) HashTreeRoot(version spec.DataVersion) ([32]byte, error) {
	var root [32]byte

	if b.Header == nil {
		return root, fmt.Errorf("bid has no header")
	}

	err := hasher.WithDefaultHasher(func(hh sszutils.HashWalker) error {
		idx := hh.Index()

		switch version {
		case spec.DataVersionCapella:
			headerRoot, err := CapellaExecutionPayloadHeader(b.Header).HashTreeRoot()
			if err != nil {
				return err
			}
			hh.PutBytes(headerRoot[:])
		case spec.DataVersionDeneb:
			headerRoot, err := b.Header.HashTreeRoot()
			if err != nil {
				return err
			}
			hh.PutBytes(headerRoot[:])

			if err := hashBlindedBlobsBundle(hh, b.BlindedBlobsBundle); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported bid version %s", version)
		}

		hh.PutBytes(bidValueChunk(b.Value))
		hh.PutBytes(b.Pubkey[:])

		hh.Merkleize(idx)

		var err error
		root, err = hh.HashRoot()

		return err
	})

	return root, err
}

// bidValueChunk serializes the bid value as an SSZ uint256: 32 little-endian
// bytes.
func bidValueChunk(v *uint256.Int) []byte {
	chunk := make([]byte, 32)
	if v != nil {
		be := v.Bytes32()
		for i := 0; i < 32; i++ {
			chunk[i] = be[31-i]
		}
	}

	return chunk
}

// hashBlindedBlobsBundle hashes the bundle container. A nil bundle hashes as
// three empty lists.
func hashBlindedBlobsBundle(hh sszutils.HashWalker, bundle *BlindedBlobsBundle) error {
	var (
		commitments []deneb.KZGCommitment
		proofs      []deneb.KZGProof
		roots       []phase0.Root
	)
	if bundle != nil {
		commitments = bundle.Commitments
		proofs = bundle.Proofs
		roots = bundle.BlobRoots
	}

	if uint64(len(commitments)) > maxBlobCommitmentsPerBlock ||
		uint64(len(proofs)) > maxBlobCommitmentsPerBlock ||
		uint64(len(roots)) > maxBlobCommitmentsPerBlock {
		return sszutils.ErrListTooBig
	}

	idx := hh.Index()

	sub := hh.Index()
	for i := range commitments {
		hh.PutBytes(commitments[i][:])
	}
	hh.MerkleizeWithMixin(sub, uint64(len(commitments)), maxBlobCommitmentsPerBlock)

	sub = hh.Index()
	for i := range proofs {
		hh.PutBytes(proofs[i][:])
	}
	hh.MerkleizeWithMixin(sub, uint64(len(proofs)), maxBlobCommitmentsPerBlock)

	sub = hh.Index()
	for i := range roots {
		hh.AppendBytes32(roots[i][:])
	}
	hh.MerkleizeWithMixin(sub, uint64(len(roots)), maxBlobCommitmentsPerBlock)

	hh.Merkleize(idx)

	return nil
}
