// Package builderapi provides the builder-specs wire types exchanged with a
// block-builder relay: signed bids for getHeader and the payload/blobs
// envelopes returned when a signed blinded block is submitted for reveal.
package builderapi

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
)

// BuilderBid is the builder's offer: a payload header commitment, the value
// paid to the proposer in wei, and (deneb onwards) commitments to the blobs
// the payload carries.
type BuilderBid struct {
	Header             *deneb.ExecutionPayloadHeader `json:"header"`
	BlindedBlobsBundle *BlindedBlobsBundle           `json:"blinded_blobs_bundle,omitempty"`
	Value              *uint256.Int                  `json:"value"`
	Pubkey             phase0.BLSPubKey              `json:"pubkey"`
}

// SignedBuilderBid is the getHeader response data.
type SignedBuilderBid struct {
	Message   *BuilderBid         `json:"message"`
	Signature phase0.BLSSignature `json:"signature"`
}

// GetHeaderResponse is the JSON envelope for getHeader: {version, data}.
type GetHeaderResponse struct {
	Version string            `json:"version"`
	Data    *SignedBuilderBid `json:"data"`
}

// BlindedBlobsBundle commits to a payload's blobs without revealing their
// contents. All three lists are index-aligned.
type BlindedBlobsBundle struct {
	Commitments []deneb.KZGCommitment `json:"commitments"`
	Proofs      []deneb.KZGProof      `json:"proofs"`
	BlobRoots   []phase0.Root         `json:"blob_roots"`
}

// BlobsBundle is the revealed form: full blob contents, index-aligned with
// the commitments and proofs.
type BlobsBundle struct {
	Commitments []deneb.KZGCommitment `json:"commitments"`
	Proofs      []deneb.KZGProof      `json:"proofs"`
	Blobs       []deneb.Blob          `json:"blobs"`
}

// ExecutionPayloadAndBlobsBundle is the deneb submitBlindedBlock response
// data: the revealed payload together with its blobs.
type ExecutionPayloadAndBlobsBundle struct {
	ExecutionPayload *deneb.ExecutionPayload `json:"execution_payload"`
	BlobsBundle      *BlobsBundle            `json:"blobs_bundle"`
}

// BlobSidecar is a full blob sidecar as gossiped alongside a deneb block.
type BlobSidecar struct {
	BlockRoot       phase0.Root           `json:"block_root"`
	Index           deneb.BlobIndex       `json:"index"`
	Slot            phase0.Slot           `json:"slot"`
	BlockParentRoot phase0.Root           `json:"block_parent_root"`
	ProposerIndex   phase0.ValidatorIndex `json:"proposer_index"`
	Blob            deneb.Blob            `json:"blob"`
	KZGCommitment   deneb.KZGCommitment   `json:"kzg_commitment"`
	KZGProof        deneb.KZGProof        `json:"kzg_proof"`
}

// SignedBlobSidecar is a blob sidecar with the proposer's signature.
type SignedBlobSidecar struct {
	Message   *BlobSidecar        `json:"message"`
	Signature phase0.BLSSignature `json:"signature"`
}

// BlindedBlobSidecar is the blinded form of a blob sidecar: the blob contents
// are replaced by their hash tree root.
type BlindedBlobSidecar struct {
	BlockRoot       phase0.Root           `json:"block_root"`
	Index           deneb.BlobIndex       `json:"index"`
	Slot            phase0.Slot           `json:"slot"`
	BlockParentRoot phase0.Root           `json:"block_parent_root"`
	ProposerIndex   phase0.ValidatorIndex `json:"proposer_index"`
	BlobRoot        phase0.Root           `json:"blob_root"`
	KZGCommitment   deneb.KZGCommitment   `json:"kzg_commitment"`
	KZGProof        deneb.KZGProof        `json:"kzg_proof"`
}

// SignedBlindedBlobSidecar is a blinded blob sidecar with the proposer's
// signature.
type SignedBlindedBlobSidecar struct {
	Message   *BlindedBlobSidecar `json:"message"`
	Signature phase0.BLSSignature `json:"signature"`
}

// BlobCount returns the number of blobs the bid commits to.
func (b *BuilderBid) BlobCount() int {
	if b.BlindedBlobsBundle == nil {
		return 0
	}

	return len(b.BlindedBlobsBundle.Commitments)
}

// builderBidJSON carries the wire form of BuilderBid: value is a decimal
// string per builder-specs.
type builderBidJSON struct {
	Header             *deneb.ExecutionPayloadHeader `json:"header"`
	BlindedBlobsBundle *BlindedBlobsBundle           `json:"blinded_blobs_bundle,omitempty"`
	Value              string                        `json:"value"`
	Pubkey             phase0.BLSPubKey              `json:"pubkey"`
}

// MarshalJSON implements json.Marshaler.
func (b *BuilderBid) MarshalJSON() ([]byte, error) {
	val := "0"
	if b.Value != nil {
		val = b.Value.Dec()
	}

	return json.Marshal(&builderBidJSON{
		Header:             b.Header,
		BlindedBlobsBundle: b.BlindedBlobsBundle,
		Value:              val,
		Pubkey:             b.Pubkey,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BuilderBid) UnmarshalJSON(data []byte) error {
	var aux builderBidJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	b.Header = aux.Header
	b.BlindedBlobsBundle = aux.BlindedBlobsBundle
	b.Pubkey = aux.Pubkey
	b.Value = new(uint256.Int)

	if aux.Value != "" {
		v, err := uint256.FromDecimal(aux.Value)
		if err != nil {
			return fmt.Errorf("invalid bid value: %w", err)
		}

		b.Value = v
	}

	return nil
}

// capellaBuilderBidJSON is the capella wire form of a bid: a capella-typed
// header and no blobs bundle field.
type capellaBuilderBidJSON struct {
	Header *capella.ExecutionPayloadHeader `json:"header"`
	Value  string                          `json:"value"`
	Pubkey phase0.BLSPubKey                `json:"pubkey"`
}

type capellaSignedBuilderBidJSON struct {
	Message   *capellaBuilderBidJSON `json:"message"`
	Signature phase0.BLSSignature    `json:"signature"`
}

// DecodeGetHeaderResponse parses a getHeader response body for the given
// fork. Capella bids are lifted into the common deneb-typed bid; computing a
// capella bid's signing root inverts the header conversion again.
func DecodeGetHeaderResponse(version spec.DataVersion, body []byte) (*GetHeaderResponse, error) {
	if version >= spec.DataVersionDeneb {
		resp := &GetHeaderResponse{}
		if err := json.Unmarshal(body, resp); err != nil {
			return nil, err
		}

		return resp, nil
	}

	var aux struct {
		Version string                       `json:"version"`
		Data    *capellaSignedBuilderBidJSON `json:"data"`
	}
	if err := json.Unmarshal(body, &aux); err != nil {
		return nil, err
	}

	resp := &GetHeaderResponse{Version: aux.Version}
	if aux.Data == nil || aux.Data.Message == nil {
		return resp, nil
	}

	bid := &BuilderBid{
		Header: DenebExecutionPayloadHeader(aux.Data.Message.Header),
		Value:  new(uint256.Int),
		Pubkey: aux.Data.Message.Pubkey,
	}

	if aux.Data.Message.Value != "" {
		v, err := uint256.FromDecimal(aux.Data.Message.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid bid value: %w", err)
		}

		bid.Value = v
	}

	resp.Data = &SignedBuilderBid{Message: bid, Signature: aux.Data.Signature}

	return resp, nil
}

// blobSidecarJSON carries the wire form of BlobSidecar: quantities are
// decimal strings.
type blobSidecarJSON struct {
	BlockRoot       phase0.Root         `json:"block_root"`
	Index           string              `json:"index"`
	Slot            string              `json:"slot"`
	BlockParentRoot phase0.Root         `json:"block_parent_root"`
	ProposerIndex   string              `json:"proposer_index"`
	Blob            deneb.Blob          `json:"blob"`
	KZGCommitment   deneb.KZGCommitment `json:"kzg_commitment"`
	KZGProof        deneb.KZGProof      `json:"kzg_proof"`
}

// MarshalJSON implements json.Marshaler.
func (s *BlobSidecar) MarshalJSON() ([]byte, error) {
	return json.Marshal(&blobSidecarJSON{
		BlockRoot:       s.BlockRoot,
		Index:           strconv.FormatUint(uint64(s.Index), 10),
		Slot:            strconv.FormatUint(uint64(s.Slot), 10),
		BlockParentRoot: s.BlockParentRoot,
		ProposerIndex:   strconv.FormatUint(uint64(s.ProposerIndex), 10),
		Blob:            s.Blob,
		KZGCommitment:   s.KZGCommitment,
		KZGProof:        s.KZGProof,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *BlobSidecar) UnmarshalJSON(data []byte) error {
	var aux blobSidecarJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	index, err := strconv.ParseUint(aux.Index, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}

	slot, err := strconv.ParseUint(aux.Slot, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid slot: %w", err)
	}

	proposerIndex, err := strconv.ParseUint(aux.ProposerIndex, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid proposer index: %w", err)
	}

	s.BlockRoot = aux.BlockRoot
	s.Index = deneb.BlobIndex(index)
	s.Slot = phase0.Slot(slot)
	s.BlockParentRoot = aux.BlockParentRoot
	s.ProposerIndex = phase0.ValidatorIndex(proposerIndex)
	s.Blob = aux.Blob
	s.KZGCommitment = aux.KZGCommitment
	s.KZGProof = aux.KZGProof

	return nil
}

// blindedBlobSidecarJSON carries the wire form of BlindedBlobSidecar.
type blindedBlobSidecarJSON struct {
	BlockRoot       phase0.Root         `json:"block_root"`
	Index           string              `json:"index"`
	Slot            string              `json:"slot"`
	BlockParentRoot phase0.Root         `json:"block_parent_root"`
	ProposerIndex   string              `json:"proposer_index"`
	BlobRoot        phase0.Root         `json:"blob_root"`
	KZGCommitment   deneb.KZGCommitment `json:"kzg_commitment"`
	KZGProof        deneb.KZGProof      `json:"kzg_proof"`
}

// MarshalJSON implements json.Marshaler.
func (s *BlindedBlobSidecar) MarshalJSON() ([]byte, error) {
	return json.Marshal(&blindedBlobSidecarJSON{
		BlockRoot:       s.BlockRoot,
		Index:           strconv.FormatUint(uint64(s.Index), 10),
		Slot:            strconv.FormatUint(uint64(s.Slot), 10),
		BlockParentRoot: s.BlockParentRoot,
		ProposerIndex:   strconv.FormatUint(uint64(s.ProposerIndex), 10),
		BlobRoot:        s.BlobRoot,
		KZGCommitment:   s.KZGCommitment,
		KZGProof:        s.KZGProof,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *BlindedBlobSidecar) UnmarshalJSON(data []byte) error {
	var aux blindedBlobSidecarJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	index, err := strconv.ParseUint(aux.Index, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}

	slot, err := strconv.ParseUint(aux.Slot, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid slot: %w", err)
	}

	proposerIndex, err := strconv.ParseUint(aux.ProposerIndex, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid proposer index: %w", err)
	}

	s.BlockRoot = aux.BlockRoot
	s.Index = deneb.BlobIndex(index)
	s.Slot = phase0.Slot(slot)
	s.BlockParentRoot = aux.BlockParentRoot
	s.ProposerIndex = phase0.ValidatorIndex(proposerIndex)
	s.BlobRoot = aux.BlobRoot
	s.KZGCommitment = aux.KZGCommitment
	s.KZGProof = aux.KZGProof

	return nil
}
