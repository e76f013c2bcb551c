package builderapi

import (
	"github.com/pk910/dynamic-ssz/hasher"
	"github.com/pk910/dynamic-ssz/sszutils"
)

// HashTreeRoot returns the SSZ hash tree root of the blob sidecar (for
// signing).
func (s *BlobSidecar) HashTreeRoot() ([32]byte, error) {
	var root [32]byte
	err := hasher.WithDefaultHasher(func(hh sszutils.HashWalker) error {
		err := s.HashTreeRootWith(hh)
		if err != nil {
			return err
		}
		root, err = hh.HashRoot()
		return err
	})
	return root, err
}

// HashTreeRootWith writes the BlobSidecar SSZ tree into the hasher.
func (s *BlobSidecar) HashTreeRootWith(hh sszutils.HashWalker) error {
	idx := hh.Index()

	hh.PutBytes(s.BlockRoot[:])
	hh.PutUint64(uint64(s.Index))
	hh.PutUint64(uint64(s.Slot))
	hh.PutBytes(s.BlockParentRoot[:])
	hh.PutUint64(uint64(s.ProposerIndex))
	hh.PutBytes(s.Blob[:])
	hh.PutBytes(s.KZGCommitment[:48])
	hh.PutBytes(s.KZGProof[:48])

	hh.Merkleize(idx)

	return nil
}

// HashTreeRoot returns the SSZ hash tree root of the blinded blob sidecar
// (for signing). A blinded sidecar and its full counterpart hash to the same
// root since the blob root is the blob's own hash tree root.
func (s *BlindedBlobSidecar) HashTreeRoot() ([32]byte, error) {
	var root [32]byte
	err := hasher.WithDefaultHasher(func(hh sszutils.HashWalker) error {
		err := s.HashTreeRootWith(hh)
		if err != nil {
			return err
		}
		root, err = hh.HashRoot()
		return err
	})
	return root, err
}

// HashTreeRootWith writes the BlindedBlobSidecar SSZ tree into the hasher.
func (s *BlindedBlobSidecar) HashTreeRootWith(hh sszutils.HashWalker) error {
	idx := hh.Index()

	hh.PutBytes(s.BlockRoot[:])
	hh.PutUint64(uint64(s.Index))
	hh.PutUint64(uint64(s.Slot))
	hh.PutBytes(s.BlockParentRoot[:])
	hh.PutUint64(uint64(s.ProposerIndex))
	hh.PutBytes(s.BlobRoot[:])
	hh.PutBytes(s.KZGCommitment[:48])
	hh.PutBytes(s.KZGProof[:48])

	hh.Merkleize(idx)

	return nil
}
