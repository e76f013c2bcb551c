package builderclient

import (
	"bytes"
	"encoding/json"
	"fmt"

	apiv1capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
)

// Unblind validates a relay reveal response against the signed blinded block
// it answers and reconstructs the full signed block contents. Every
// commitment the relay made at bid time is re-checked before the payload is
// trusted; any inconsistency fails with ErrIntegrityViolation.
func Unblind(
	blinded *builderapi.VersionedSignedBlindedBlock,
	revealed json.RawMessage,
) (*builderapi.VersionedSignedBlockContents, error) {
	switch blinded.Version {
	case spec.DataVersionCapella:
		return unblindCapella(blinded.Capella, revealed)
	case spec.DataVersionDeneb:
		return unblindDeneb(blinded.Deneb, revealed)
	default:
		return nil, fmt.Errorf("unsupported blinded block version %s", blinded.Version)
	}
}

// capellaRevealProbe distinguishes a bare execution payload from a
// payload+blobs envelope without committing to either shape.
type capellaRevealProbe struct {
	ExecutionPayload json.RawMessage `json:"execution_payload"`
	BlobsBundle      json.RawMessage `json:"blobs_bundle"`
}

func unblindCapella(
	blinded *apiv1capella.SignedBlindedBeaconBlock,
	revealed json.RawMessage,
) (*builderapi.VersionedSignedBlockContents, error) {
	if blinded == nil {
		return nil, fmt.Errorf("no capella blinded block")
	}

	// A relay answering a pre-blob block with a blobs bundle is lying about
	// what was committed to.
	var probe capellaRevealProbe
	if err := json.Unmarshal(revealed, &probe); err == nil &&
		len(probe.ExecutionPayload) > 0 && !isJSONNull(probe.BlobsBundle) && len(probe.BlobsBundle) > 0 {
		return nil, fmt.Errorf("%w: blobs bundle in capella reveal", ErrIntegrityViolation)
	}

	payload := &capella.ExecutionPayload{}
	if err := json.Unmarshal(revealed, payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode capella payload: %v", ErrUnavailable, err)
	}

	header := blinded.Message.Body.ExecutionPayloadHeader
	if err := verifyTransactionsRoot(payload.Transactions, header.TransactionsRoot); err != nil {
		return nil, err
	}

	blindedBody := blinded.Message.Body
	full := &capella.SignedBeaconBlock{
		Message: &capella.BeaconBlock{
			Slot:          blinded.Message.Slot,
			ProposerIndex: blinded.Message.ProposerIndex,
			ParentRoot:    blinded.Message.ParentRoot,
			StateRoot:     blinded.Message.StateRoot,
			Body: &capella.BeaconBlockBody{
				RANDAOReveal:          blindedBody.RANDAOReveal,
				ETH1Data:              blindedBody.ETH1Data,
				Graffiti:              blindedBody.Graffiti,
				ProposerSlashings:     blindedBody.ProposerSlashings,
				AttesterSlashings:     blindedBody.AttesterSlashings,
				Attestations:          blindedBody.Attestations,
				Deposits:              blindedBody.Deposits,
				VoluntaryExits:        blindedBody.VoluntaryExits,
				SyncAggregate:         blindedBody.SyncAggregate,
				ExecutionPayload:      payload,
				BLSToExecutionChanges: blindedBody.BLSToExecutionChanges,
			},
		},
		Signature: blinded.Signature,
	}

	return &builderapi.VersionedSignedBlockContents{
		Version: spec.DataVersionCapella,
		Capella: full,
	}, nil
}

func unblindDeneb(
	blinded *builderapi.SignedBlindedBlockContents,
	revealed json.RawMessage,
) (*builderapi.VersionedSignedBlockContents, error) {
	if blinded == nil || blinded.SignedBlindedBlock == nil {
		return nil, fmt.Errorf("no deneb blinded block")
	}

	envelope := &builderapi.ExecutionPayloadAndBlobsBundle{}
	if err := json.Unmarshal(revealed, envelope); err != nil {
		return nil, fmt.Errorf("%w: failed to decode deneb reveal: %v", ErrUnavailable, err)
	}

	if envelope.ExecutionPayload == nil {
		return nil, fmt.Errorf("%w: reveal missing execution payload", ErrUnavailable)
	}

	block := blinded.SignedBlindedBlock
	header := block.Message.Body.ExecutionPayloadHeader

	if err := verifyTransactionsRoot(envelope.ExecutionPayload.Transactions, header.TransactionsRoot); err != nil {
		return nil, err
	}

	sidecars, err := unblindBlobSidecars(blinded.SignedBlindedBlobSidecars, envelope.BlobsBundle)
	if err != nil {
		return nil, err
	}

	full := unblindDenebBlock(block, envelope.ExecutionPayload)

	return &builderapi.VersionedSignedBlockContents{
		Version: spec.DataVersionDeneb,
		Deneb: &builderapi.SignedBlockContents{
			SignedBlock:        full,
			SignedBlobSidecars: sidecars,
		},
	}, nil
}

// unblindBlobSidecars zips the revealed blobs onto the blinded sidecars'
// signatures and metadata. Indexes are aligned positionally and never
// re-sorted.
func unblindBlobSidecars(
	blindedSidecars []*builderapi.SignedBlindedBlobSidecar,
	bundle *builderapi.BlobsBundle,
) ([]*builderapi.SignedBlobSidecar, error) {
	if len(blindedSidecars) == 0 {
		if bundle != nil && len(bundle.Blobs) > 0 {
			return nil, fmt.Errorf("%w: reveal carries %d blobs for a blobless block", ErrIntegrityViolation, len(bundle.Blobs))
		}

		return nil, nil
	}

	if bundle == nil {
		return nil, fmt.Errorf("%w: reveal missing blobs bundle for %d blinded sidecars", ErrIntegrityViolation, len(blindedSidecars))
	}

	if len(bundle.Blobs) != len(blindedSidecars) {
		return nil, fmt.Errorf("%w: reveal has %d blobs, expected %d",
			ErrIntegrityViolation, len(bundle.Blobs), len(blindedSidecars))
	}

	sidecars := make([]*builderapi.SignedBlobSidecar, len(blindedSidecars))
	for i, blinded := range blindedSidecars {
		sidecars[i] = &builderapi.SignedBlobSidecar{
			Message: &builderapi.BlobSidecar{
				BlockRoot:       blinded.Message.BlockRoot,
				Index:           blinded.Message.Index,
				Slot:            blinded.Message.Slot,
				BlockParentRoot: blinded.Message.BlockParentRoot,
				ProposerIndex:   blinded.Message.ProposerIndex,
				Blob:            bundle.Blobs[i],
				KZGCommitment:   blinded.Message.KZGCommitment,
				KZGProof:        blinded.Message.KZGProof,
			},
			Signature: blinded.Signature,
		}
	}

	return sidecars, nil
}

// unblindDenebBlock substitutes the revealed payload into the blinded body,
// carrying every other field over unchanged.
func unblindDenebBlock(
	blinded *apiv1deneb.SignedBlindedBeaconBlock,
	payload *deneb.ExecutionPayload,
) *deneb.SignedBeaconBlock {
	body := blinded.Message.Body

	return &deneb.SignedBeaconBlock{
		Message: &deneb.BeaconBlock{
			Slot:          blinded.Message.Slot,
			ProposerIndex: blinded.Message.ProposerIndex,
			ParentRoot:    blinded.Message.ParentRoot,
			StateRoot:     blinded.Message.StateRoot,
			Body: &deneb.BeaconBlockBody{
				RANDAOReveal:          body.RANDAOReveal,
				ETH1Data:              body.ETH1Data,
				Graffiti:              body.Graffiti,
				ProposerSlashings:     body.ProposerSlashings,
				AttesterSlashings:     body.AttesterSlashings,
				Attestations:          body.Attestations,
				Deposits:              body.Deposits,
				VoluntaryExits:        body.VoluntaryExits,
				SyncAggregate:         body.SyncAggregate,
				ExecutionPayload:      payload,
				BLSToExecutionChanges: body.BLSToExecutionChanges,
				BlobKZGCommitments:    body.BlobKZGCommitments,
			},
		},
		Signature: blinded.Signature,
	}
}

// verifyTransactionsRoot checks the revealed transaction list against the
// commitment made at bid time.
func verifyTransactionsRoot(txs []bellatrix.Transaction, committed phase0.Root) error {
	root, err := builderapi.TransactionsRoot(txs)
	if err != nil {
		return fmt.Errorf("failed to compute transactions root: %w", err)
	}

	if !bytes.Equal(root[:], committed[:]) {
		return fmt.Errorf("%w: transactions root %#x does not match committed %#x",
			ErrIntegrityViolation, root, committed)
	}

	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
