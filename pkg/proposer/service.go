package proposer

import (
	"context"
	"fmt"
	"sync"
	"time"

	apiv1capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
	"github.com/rdvorkin/lodestar/pkg/chain"
	"github.com/rdvorkin/lodestar/pkg/metrics"
)

// ProposerPreferences are the per-validator settings resolved before each
// proposal.
type ProposerPreferences struct {
	Graffiti                [32]byte
	FeeRecipient            bellatrix.ExecutionAddress
	StrictFeeRecipientCheck bool
	Policy                  Policy
}

// KeyManager resolves per-validator preferences and provides signing over
// the proposal domains.
type KeyManager interface {
	Pubkeys() []phase0.BLSPubKey
	Preferences(pubkey phase0.BLSPubKey) (*ProposerPreferences, error)
	SignRandao(ctx context.Context, pubkey phase0.BLSPubKey, epoch phase0.Epoch) (phase0.BLSSignature, error)
	SignBlock(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, root phase0.Root) (phase0.BLSSignature, error)
	SignBlobSidecar(ctx context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, root phase0.Root) (phase0.BLSSignature, error)
}

// CandidateProducer yields one candidate block per request.
type CandidateProducer interface {
	Produce(ctx context.Context, req *ProduceRequest) (*CandidateBlock, error)
}

// Publisher hands signed blocks to the network.
type Publisher interface {
	PublishBlock(ctx context.Context, contents *builderapi.VersionedSignedBlockContents) error
	PublishBlindedBlock(ctx context.Context, blinded *builderapi.VersionedSignedBlindedBlock) error
}

// BlindedBlockRevealer exchanges a signed blinded block for its revealed
// full contents.
type BlindedBlockRevealer interface {
	SubmitBlindedBlock(ctx context.Context, blinded *builderapi.VersionedSignedBlindedBlock) (*builderapi.VersionedSignedBlockContents, error)
}

// Service drives one proposal duty end to end: candidate production,
// signing, and publication. Failures never cross a single proposer's
// boundary.
type Service struct {
	log      logrus.FieldLogger
	spec     *chain.Spec
	producer CandidateProducer
	keys     KeyManager
	pub      Publisher
	revealer BlindedBlockRevealer
	metrics  *metrics.Metrics
}

// NewService creates the proposing service. revealer may be nil, in which
// case signed blinded blocks are published through the network collaborator
// and the reveal is left to it.
func NewService(
	log logrus.FieldLogger,
	chainSpec *chain.Spec,
	producer CandidateProducer,
	keys KeyManager,
	pub Publisher,
	revealer BlindedBlockRevealer,
	m *metrics.Metrics,
) *Service {
	return &Service{
		log:      log.WithField("component", "proposing-service"),
		spec:     chainSpec,
		producer: producer,
		keys:     keys,
		pub:      pub,
		revealer: revealer,
		metrics:  m,
	}
}

// HandleDuty handles all proposers assigned to one slot. Each proposer runs
// as an independent task; one failing never aborts its siblings. Safe to
// invoke concurrently for the same slot.
func (s *Service) HandleDuty(ctx context.Context, slot phase0.Slot, pubkeys []phase0.BLSPubKey) {
	if slot == 0 {
		s.log.WithField("slot", slot).Info("Skipping duty at or before genesis")

		return
	}

	if len(pubkeys) > 1 {
		s.log.WithFields(logrus.Fields{
			"slot":      slot,
			"proposers": len(pubkeys),
		}).Warn("Multiple proposers assigned to one slot")
	}

	var wg sync.WaitGroup
	for _, pubkey := range pubkeys {
		wg.Add(1)
		go func(pubkey phase0.BLSPubKey) {
			defer wg.Done()

			if err := s.propose(ctx, slot, pubkey); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"slot":   slot,
					"pubkey": fmt.Sprintf("%#x", pubkey),
				}).Error("Proposal failed")
			}
		}(pubkey)
	}
	wg.Wait()
}

func (s *Service) propose(ctx context.Context, slot phase0.Slot, pubkey phase0.BLSPubKey) error {
	log := s.log.WithFields(logrus.Fields{
		"slot":   slot,
		"pubkey": fmt.Sprintf("%#x", pubkey),
	})

	prefs, err := s.keys.Preferences(pubkey)
	if err != nil {
		return fmt.Errorf("failed to resolve proposer preferences: %w", err)
	}

	randao, err := s.keys.SignRandao(ctx, pubkey, s.spec.EpochAtSlot(slot))
	if err != nil {
		return fmt.Errorf("failed to sign randao reveal: %w", err)
	}

	slotStart := s.spec.SlotToTime(slot)

	candidate, err := s.producer.Produce(ctx, &ProduceRequest{
		Slot:         slot,
		Pubkey:       pubkey,
		RandaoReveal: randao,
		Graffiti:     prefs.Graffiti,
		Policy:       prefs.Policy,
	})
	if err != nil {
		s.metrics.CountProposal("none", "production_failed")

		return err
	}

	if err := candidate.Validate(); err != nil {
		s.metrics.CountProposal(string(candidate.Source), "invalid_candidate")

		return fmt.Errorf("producer returned an inconsistent candidate: %w", err)
	}

	s.metrics.ObserveProduction(string(candidate.Source), time.Since(slotStart))

	if !candidate.Blinded && prefs.StrictFeeRecipientCheck {
		if err := verifyFeeRecipient(candidate, prefs.FeeRecipient); err != nil {
			s.metrics.CountProposal(string(candidate.Source), "fee_recipient_mismatch")

			return err
		}
	}

	log.WithFields(logrus.Fields{
		"source":  candidate.Source,
		"blinded": candidate.Blinded,
		"value":   candidate.Value.Dec(),
		"blobs":   candidate.BlobCount(),
	}).Info("Produced candidate block")

	full, blinded, err := s.sign(ctx, pubkey, candidate)
	if err != nil {
		s.metrics.CountProposal(string(candidate.Source), "signing_failed")

		return fmt.Errorf("failed to sign proposal: %w", err)
	}

	if err := s.publish(ctx, full, blinded); err != nil {
		s.metrics.CountProposal(string(candidate.Source), "publish_failed")

		return fmt.Errorf("failed to publish proposal: %w", err)
	}

	s.metrics.ObservePublish(time.Since(slotStart))
	s.metrics.CountProposal(string(candidate.Source), "published")

	log.WithField("source", candidate.Source).Info("Published block")

	return nil
}

// sign signs the candidate's block and every blob sidecar concurrently,
// joining all signatures before assembly. Exactly one of the returned
// containers is non-nil, matching candidate.Blinded.
func (s *Service) sign(
	ctx context.Context,
	pubkey phase0.BLSPubKey,
	candidate *CandidateBlock,
) (*builderapi.VersionedSignedBlockContents, *builderapi.VersionedSignedBlindedBlock, error) {
	slot, err := candidate.Slot()
	if err != nil {
		return nil, nil, err
	}

	blockRoot, err := candidate.HashTreeRoot()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute block root: %w", err)
	}

	parentRoot, err := candidate.ParentRoot()
	if err != nil {
		return nil, nil, err
	}

	proposerIndex, err := candidate.ProposerIndex()
	if err != nil {
		return nil, nil, err
	}

	var (
		blockSig    phase0.BLSSignature
		sidecarSigs = make([]phase0.BLSSignature, candidate.BlobCount())
		sidecars    []*builderapi.BlobSidecar
		blinded     []*builderapi.BlindedBlobSidecar
	)

	if candidate.Blinded {
		blinded = buildBlindedSidecars(candidate, slot, blockRoot, parentRoot, proposerIndex)
	} else {
		sidecars = buildSidecars(candidate, slot, blockRoot, parentRoot, proposerIndex)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		blockSig, err = s.keys.SignBlock(gctx, pubkey, slot, blockRoot)
		if err != nil {
			return fmt.Errorf("block signature: %w", err)
		}

		return nil
	})

	for i := 0; i < candidate.BlobCount(); i++ {
		i := i
		g.Go(func() error {
			var (
				root [32]byte
				err  error
			)
			if candidate.Blinded {
				root, err = blinded[i].HashTreeRoot()
			} else {
				root, err = sidecars[i].HashTreeRoot()
			}
			if err != nil {
				return fmt.Errorf("sidecar %d root: %w", i, err)
			}

			sidecarSigs[i], err = s.keys.SignBlobSidecar(gctx, pubkey, slot, root)
			if err != nil {
				return fmt.Errorf("sidecar %d signature: %w", i, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return assembleSigned(candidate, blockSig, sidecars, blinded, sidecarSigs)
}

func buildSidecars(
	candidate *CandidateBlock,
	slot phase0.Slot,
	blockRoot, parentRoot phase0.Root,
	proposerIndex phase0.ValidatorIndex,
) []*builderapi.BlobSidecar {
	sidecars := make([]*builderapi.BlobSidecar, len(candidate.Blobs))
	for i, blob := range candidate.Blobs {
		sidecars[i] = &builderapi.BlobSidecar{
			BlockRoot:       blockRoot,
			Index:           deneb.BlobIndex(i),
			Slot:            slot,
			BlockParentRoot: parentRoot,
			ProposerIndex:   proposerIndex,
			Blob:            blob,
			KZGCommitment:   candidate.Deneb.Body.BlobKZGCommitments[i],
			KZGProof:        candidate.KZGProofs[i],
		}
	}

	return sidecars
}

func buildBlindedSidecars(
	candidate *CandidateBlock,
	slot phase0.Slot,
	blockRoot, parentRoot phase0.Root,
	proposerIndex phase0.ValidatorIndex,
) []*builderapi.BlindedBlobSidecar {
	sidecars := make([]*builderapi.BlindedBlobSidecar, len(candidate.BlobRoots))
	for i, blobRoot := range candidate.BlobRoots {
		sidecars[i] = &builderapi.BlindedBlobSidecar{
			BlockRoot:       blockRoot,
			Index:           deneb.BlobIndex(i),
			Slot:            slot,
			BlockParentRoot: parentRoot,
			ProposerIndex:   proposerIndex,
			BlobRoot:        blobRoot,
			KZGCommitment:   candidate.DenebBlinded.Body.BlobKZGCommitments[i],
			KZGProof:        candidate.KZGProofs[i],
		}
	}

	return sidecars
}

func assembleSigned(
	candidate *CandidateBlock,
	blockSig phase0.BLSSignature,
	sidecars []*builderapi.BlobSidecar,
	blinded []*builderapi.BlindedBlobSidecar,
	sidecarSigs []phase0.BLSSignature,
) (*builderapi.VersionedSignedBlockContents, *builderapi.VersionedSignedBlindedBlock, error) {
	switch {
	case candidate.Version == spec.DataVersionCapella && !candidate.Blinded:
		return &builderapi.VersionedSignedBlockContents{
			Version: spec.DataVersionCapella,
			Capella: &capella.SignedBeaconBlock{
				Message:   candidate.Capella,
				Signature: blockSig,
			},
		}, nil, nil
	case candidate.Version == spec.DataVersionCapella:
		return nil, &builderapi.VersionedSignedBlindedBlock{
			Version: spec.DataVersionCapella,
			Capella: &apiv1capella.SignedBlindedBeaconBlock{
				Message:   candidate.CapellaBlinded,
				Signature: blockSig,
			},
		}, nil
	case candidate.Version == spec.DataVersionDeneb && !candidate.Blinded:
		signedSidecars := make([]*builderapi.SignedBlobSidecar, len(sidecars))
		for i, sidecar := range sidecars {
			signedSidecars[i] = &builderapi.SignedBlobSidecar{
				Message:   sidecar,
				Signature: sidecarSigs[i],
			}
		}

		return &builderapi.VersionedSignedBlockContents{
			Version: spec.DataVersionDeneb,
			Deneb: &builderapi.SignedBlockContents{
				SignedBlock: &deneb.SignedBeaconBlock{
					Message:   candidate.Deneb,
					Signature: blockSig,
				},
				SignedBlobSidecars: signedSidecars,
			},
		}, nil, nil
	case candidate.Version == spec.DataVersionDeneb:
		signedSidecars := make([]*builderapi.SignedBlindedBlobSidecar, len(blinded))
		for i, sidecar := range blinded {
			signedSidecars[i] = &builderapi.SignedBlindedBlobSidecar{
				Message:   sidecar,
				Signature: sidecarSigs[i],
			}
		}

		return nil, &builderapi.VersionedSignedBlindedBlock{
			Version: spec.DataVersionDeneb,
			Deneb: &builderapi.SignedBlindedBlockContents{
				SignedBlindedBlock: &apiv1deneb.SignedBlindedBeaconBlock{
					Message:   candidate.DenebBlinded,
					Signature: blockSig,
				},
				SignedBlindedBlobSidecars: signedSidecars,
			},
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported candidate version %s", candidate.Version)
	}
}

// publish submits the signed proposal. A blinded proposal is first revealed
// through the builder, then the revealed full contents are published; when
// no revealer is wired the signed blinded block goes to the network
// collaborator as-is.
func (s *Service) publish(
	ctx context.Context,
	full *builderapi.VersionedSignedBlockContents,
	blinded *builderapi.VersionedSignedBlindedBlock,
) error {
	if full != nil {
		return s.pub.PublishBlock(ctx, full)
	}

	if s.revealer == nil {
		return s.pub.PublishBlindedBlock(ctx, blinded)
	}

	revealed, err := s.revealer.SubmitBlindedBlock(ctx, blinded)
	if err != nil {
		return fmt.Errorf("failed to reveal blinded block: %w", err)
	}

	return s.pub.PublishBlock(ctx, revealed)
}

func verifyFeeRecipient(candidate *CandidateBlock, expected bellatrix.ExecutionAddress) error {
	var actual bellatrix.ExecutionAddress

	switch {
	case candidate.Capella != nil:
		actual = candidate.Capella.Body.ExecutionPayload.FeeRecipient
	case candidate.Deneb != nil:
		actual = candidate.Deneb.Body.ExecutionPayload.FeeRecipient
	default:
		return nil
	}

	if actual != expected {
		return fmt.Errorf("fee recipient %#x does not match configured %#x", actual, expected)
	}

	return nil
}
