package builderapi

import (
	"encoding/json"
	"fmt"

	apiv1capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
)

// SignedBlindedBlockContents is the deneb submitBlindedBlock request body: the
// signed blinded block together with its signed blinded blob sidecars.
type SignedBlindedBlockContents struct {
	SignedBlindedBlock        *apiv1deneb.SignedBlindedBeaconBlock `json:"signed_blinded_block"`
	SignedBlindedBlobSidecars []*SignedBlindedBlobSidecar          `json:"signed_blinded_blob_sidecars"`
}

// VersionedSignedBlindedBlock wraps the per-fork signed blinded block shapes
// submitted to the relay for reveal.
type VersionedSignedBlindedBlock struct {
	Version spec.DataVersion
	Capella *apiv1capella.SignedBlindedBeaconBlock
	Deneb   *SignedBlindedBlockContents
}

// Slot returns the slot of the blinded block.
func (b *VersionedSignedBlindedBlock) Slot() (phase0.Slot, error) {
	switch b.Version {
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil {
			return 0, fmt.Errorf("no capella block")
		}

		return b.Capella.Message.Slot, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.SignedBlindedBlock == nil || b.Deneb.SignedBlindedBlock.Message == nil {
			return 0, fmt.Errorf("no deneb block")
		}

		return b.Deneb.SignedBlindedBlock.Message.Slot, nil
	default:
		return 0, fmt.Errorf("unsupported version %v", b.Version)
	}
}

// MarshalJSON marshals the active fork's request body.
func (b *VersionedSignedBlindedBlock) MarshalJSON() ([]byte, error) {
	switch b.Version {
	case spec.DataVersionCapella:
		return json.Marshal(b.Capella)
	case spec.DataVersionDeneb:
		return json.Marshal(b.Deneb)
	default:
		return nil, fmt.Errorf("unsupported version %v", b.Version)
	}
}

// SignedBlockContents is a revealed deneb block: the signed full block
// together with its signed full blob sidecars.
type SignedBlockContents struct {
	SignedBlock        *deneb.SignedBeaconBlock `json:"signed_block"`
	SignedBlobSidecars []*SignedBlobSidecar     `json:"signed_blob_sidecars"`
}

// VersionedSignedBlockContents wraps the per-fork full signed block shapes
// handed to the network publisher.
type VersionedSignedBlockContents struct {
	Version spec.DataVersion
	Capella *capella.SignedBeaconBlock
	Deneb   *SignedBlockContents
}

// Slot returns the slot of the block.
func (b *VersionedSignedBlockContents) Slot() (phase0.Slot, error) {
	switch b.Version {
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil {
			return 0, fmt.Errorf("no capella block")
		}

		return b.Capella.Message.Slot, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.SignedBlock == nil || b.Deneb.SignedBlock.Message == nil {
			return 0, fmt.Errorf("no deneb block")
		}

		return b.Deneb.SignedBlock.Message.Slot, nil
	default:
		return 0, fmt.Errorf("unsupported version %v", b.Version)
	}
}

// CapellaExecutionPayloadHeader converts a deneb-typed payload header to the
// capella shape, dropping the blob gas fields. Bids are carried in the deneb
// header type regardless of fork; pre-deneb relays simply never set the blob
// fields.
func CapellaExecutionPayloadHeader(h *deneb.ExecutionPayloadHeader) *capella.ExecutionPayloadHeader {
	if h == nil {
		return nil
	}

	out := &capella.ExecutionPayloadHeader{
		ParentHash:       h.ParentHash,
		FeeRecipient:     h.FeeRecipient,
		StateRoot:        h.StateRoot,
		ReceiptsRoot:     h.ReceiptsRoot,
		LogsBloom:        h.LogsBloom,
		PrevRandao:       h.PrevRandao,
		BlockNumber:      h.BlockNumber,
		GasLimit:         h.GasLimit,
		GasUsed:          h.GasUsed,
		Timestamp:        h.Timestamp,
		ExtraData:        h.ExtraData,
		BlockHash:        h.BlockHash,
		TransactionsRoot: h.TransactionsRoot,
		WithdrawalsRoot:  h.WithdrawalsRoot,
	}

	// capella carries the base fee as 32 little-endian bytes.
	if h.BaseFeePerGas != nil {
		be := h.BaseFeePerGas.Bytes32()
		for i := 0; i < 32; i++ {
			out.BaseFeePerGas[i] = be[31-i]
		}
	}

	return out
}

// DenebExecutionPayloadHeader lifts a capella-typed payload header into the
// deneb shape the common bid type carries. The blob gas fields stay zero.
func DenebExecutionPayloadHeader(h *capella.ExecutionPayloadHeader) *deneb.ExecutionPayloadHeader {
	if h == nil {
		return nil
	}

	out := &deneb.ExecutionPayloadHeader{
		ParentHash:       h.ParentHash,
		FeeRecipient:     h.FeeRecipient,
		StateRoot:        h.StateRoot,
		ReceiptsRoot:     h.ReceiptsRoot,
		LogsBloom:        h.LogsBloom,
		PrevRandao:       h.PrevRandao,
		BlockNumber:      h.BlockNumber,
		GasLimit:         h.GasLimit,
		GasUsed:          h.GasUsed,
		Timestamp:        h.Timestamp,
		ExtraData:        h.ExtraData,
		BlockHash:        h.BlockHash,
		TransactionsRoot: h.TransactionsRoot,
		WithdrawalsRoot:  h.WithdrawalsRoot,
	}

	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = h.BaseFeePerGas[31-i]
	}
	out.BaseFeePerGas = new(uint256.Int).SetBytes32(be[:])

	return out
}
