package proposer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apiv1capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
)

// Policy selects between engine and builder candidates.
type Policy string

const (
	PolicyMaxProfit     Policy = "max_profit"
	PolicyBuilderAlways Policy = "builder_always"
	PolicyBuilderOnly   Policy = "builder_only"
	PolicyExecutionOnly Policy = "execution_only"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyMaxProfit, PolicyBuilderAlways, PolicyBuilderOnly, PolicyExecutionOnly:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown builder selection policy %q", s)
	}
}

// ErrNoCandidateProduced indicates every source the policy required failed.
var ErrNoCandidateProduced = errors.New("no candidate block produced")

// ProposalRequest carries the signing material a production call needs.
type ProposalRequest struct {
	Slot         phase0.Slot
	RandaoReveal phase0.BLSSignature
	Graffiti     [32]byte
}

// FullProposal is an unsigned full block from the local engine path, with
// blob material for deneb onwards. Value is the execution payload value.
type FullProposal struct {
	Version   spec.DataVersion
	Capella   *capella.BeaconBlock
	Deneb     *deneb.BeaconBlock
	Blobs     []deneb.Blob
	KZGProofs []deneb.KZGProof
	Value     *uint256.Int
}

// BlindedProposal is an unsigned blinded block scaffold: a complete block
// whose execution payload is represented by a header.
type BlindedProposal struct {
	Version spec.DataVersion
	Capella *apiv1capella.BlindedBeaconBlock
	Deneb   *apiv1deneb.BlindedBeaconBlock
}

// BlockProducer produces a full block via the local execution engine.
type BlockProducer interface {
	Proposal(ctx context.Context, req *ProposalRequest) (*FullProposal, error)
}

// BlindedBlockProducer produces a blinded block scaffold for the builder path.
type BlindedBlockProducer interface {
	BlindedProposal(ctx context.Context, req *ProposalRequest) (*BlindedProposal, error)
}

// BidSource supplies builder bids and the enable gate read before racing the
// builder.
type BidSource interface {
	Enabled() bool
	GetHeader(ctx context.Context, version spec.DataVersion, slot phase0.Slot, parentHash phase0.Hash32, pubkey phase0.BLSPubKey) (*builderapi.BuilderBid, error)
}

// Arbiter races engine and builder production and applies the selection
// policy.
type Arbiter struct {
	log     logrus.FieldLogger
	engine  BlockProducer
	blinded BlindedBlockProducer
	builder BidSource
}

// NewArbiter creates an arbiter. builder may be nil when no relay is
// configured; builder-requiring policies then fail their builder branch.
func NewArbiter(
	log logrus.FieldLogger,
	engine BlockProducer,
	blinded BlindedBlockProducer,
	builder BidSource,
) *Arbiter {
	return &Arbiter{
		log:     log.WithField("component", "production-arbiter"),
		engine:  engine,
		blinded: blinded,
		builder: builder,
	}
}

// ProduceRequest is one arbitration request for one proposer.
type ProduceRequest struct {
	Slot         phase0.Slot
	Pubkey       phase0.BLSPubKey
	RandaoReveal phase0.BLSSignature
	Graffiti     [32]byte
	Policy       Policy
}

type productionResult struct {
	candidate *CandidateBlock
	err       error
}

// Produce races the sources the policy requires, waits for all of them, and
// returns exactly one candidate. A source the policy does not require is
// never invoked. Fails with ErrNoCandidateProduced only when every required
// source failed.
func (a *Arbiter) Produce(ctx context.Context, req *ProduceRequest) (*CandidateBlock, error) {
	callEngine := req.Policy != PolicyBuilderOnly
	callBuilder := req.Policy != PolicyExecutionOnly

	var (
		wg      sync.WaitGroup
		engine  productionResult
		builder productionResult
	)

	// Both branches run to completion before any decision is made: an early
	// low-value responder must not pre-empt a higher-value one.
	if callEngine {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.candidate, engine.err = a.produceEngine(ctx, req)
		}()
	} else {
		engine.err = fmt.Errorf("engine not required by policy %s", req.Policy)
	}

	if callBuilder {
		wg.Add(1)
		go func() {
			defer wg.Done()
			builder.candidate, builder.err = a.produceBuilder(ctx, req)
		}()
	} else {
		builder.err = fmt.Errorf("builder not required by policy %s", req.Policy)
	}

	wg.Wait()

	return a.decide(req, engine, builder)
}

func (a *Arbiter) produceEngine(ctx context.Context, req *ProduceRequest) (*CandidateBlock, error) {
	proposal, err := a.engine.Proposal(ctx, &ProposalRequest{
		Slot:         req.Slot,
		RandaoReveal: req.RandaoReveal,
		Graffiti:     req.Graffiti,
	})
	if err != nil {
		return nil, fmt.Errorf("engine production failed: %w", err)
	}

	value := proposal.Value
	if value == nil {
		value = uint256.NewInt(0)
	}

	candidate := &CandidateBlock{
		Version:   proposal.Version,
		Source:    SourceEngine,
		Blinded:   false,
		Value:     value,
		Capella:   proposal.Capella,
		Deneb:     proposal.Deneb,
		Blobs:     proposal.Blobs,
		KZGProofs: proposal.KZGProofs,
	}

	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("engine candidate invalid: %w", err)
	}

	return candidate, nil
}

// produceBuilder obtains a blinded scaffold from the beacon node, fetches a
// bid for the scaffold's execution parent, and grafts the bid's commitments
// onto the scaffold.
func (a *Arbiter) produceBuilder(ctx context.Context, req *ProduceRequest) (*CandidateBlock, error) {
	if a.builder == nil {
		return nil, fmt.Errorf("no builder configured")
	}

	if !a.builder.Enabled() {
		return nil, fmt.Errorf("builder disabled by circuit breaker")
	}

	scaffold, err := a.blinded.BlindedProposal(ctx, &ProposalRequest{
		Slot:         req.Slot,
		RandaoReveal: req.RandaoReveal,
		Graffiti:     req.Graffiti,
	})
	if err != nil {
		return nil, fmt.Errorf("blinded production failed: %w", err)
	}

	parentHash, err := scaffoldParentHash(scaffold)
	if err != nil {
		return nil, err
	}

	bid, err := a.builder.GetHeader(ctx, scaffold.Version, req.Slot, parentHash, req.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("bid retrieval failed: %w", err)
	}

	candidate, err := graftBid(scaffold, bid)
	if err != nil {
		return nil, err
	}

	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("builder candidate invalid: %w", err)
	}

	return candidate, nil
}

func scaffoldParentHash(scaffold *BlindedProposal) (phase0.Hash32, error) {
	switch scaffold.Version {
	case spec.DataVersionCapella:
		return scaffold.Capella.Body.ExecutionPayloadHeader.ParentHash, nil
	case spec.DataVersionDeneb:
		return scaffold.Deneb.Body.ExecutionPayloadHeader.ParentHash, nil
	default:
		return phase0.Hash32{}, fmt.Errorf("unsupported scaffold version %s", scaffold.Version)
	}
}

// graftBid substitutes the bid's payload header (and blob commitments) into
// the scaffold, producing the blinded builder candidate.
func graftBid(scaffold *BlindedProposal, bid *builderapi.BuilderBid) (*CandidateBlock, error) {
	value := bid.Value
	if value == nil {
		value = uint256.NewInt(0)
	}

	candidate := &CandidateBlock{
		Version: scaffold.Version,
		Source:  SourceBuilder,
		Blinded: true,
		Value:   value,
	}

	switch scaffold.Version {
	case spec.DataVersionCapella:
		if bid.BlobCount() > 0 {
			return nil, fmt.Errorf("bid carries blobs before the blob fork")
		}

		scaffold.Capella.Body.ExecutionPayloadHeader = builderapi.CapellaExecutionPayloadHeader(bid.Header)
		candidate.CapellaBlinded = scaffold.Capella
	case spec.DataVersionDeneb:
		scaffold.Deneb.Body.ExecutionPayloadHeader = bid.Header
		if bid.BlindedBlobsBundle != nil {
			bundle := bid.BlindedBlobsBundle
			if len(bundle.Proofs) != len(bundle.Commitments) || len(bundle.BlobRoots) != len(bundle.Commitments) {
				return nil, fmt.Errorf("bid blobs bundle misaligned: %d commitments, %d proofs, %d roots",
					len(bundle.Commitments), len(bundle.Proofs), len(bundle.BlobRoots))
			}

			scaffold.Deneb.Body.BlobKZGCommitments = bid.BlindedBlobsBundle.Commitments
			candidate.BlobRoots = bid.BlindedBlobsBundle.BlobRoots
			candidate.KZGProofs = bid.BlindedBlobsBundle.Proofs
		} else {
			scaffold.Deneb.Body.BlobKZGCommitments = []deneb.KZGCommitment{}
		}
		candidate.DenebBlinded = scaffold.Deneb
	default:
		return nil, fmt.Errorf("unsupported scaffold version %s", scaffold.Version)
	}

	return candidate, nil
}

// decide applies the selection policy to the joined results. A single
// source's failure while its counterpart succeeded is ordinary fallback.
func (a *Arbiter) decide(req *ProduceRequest, engine, builder productionResult) (*CandidateBlock, error) {
	log := a.log.WithFields(logrus.Fields{
		"slot":   req.Slot,
		"policy": req.Policy,
	})

	switch {
	case engine.err == nil && builder.err == nil:
		if req.Policy == PolicyBuilderAlways {
			return builder.candidate, nil
		}

		// MaxProfit: higher value wins, ties go to the engine.
		if builder.candidate.Value.Gt(engine.candidate.Value) {
			log.WithFields(logrus.Fields{
				"builder_value": builder.candidate.Value.Dec(),
				"engine_value":  engine.candidate.Value.Dec(),
			}).Debug("Selected builder candidate")

			return builder.candidate, nil
		}

		return engine.candidate, nil
	case engine.err == nil:
		if req.Policy != PolicyExecutionOnly {
			log.WithError(builder.err).Info("Builder production failed, using engine candidate")
		}

		return engine.candidate, nil
	case builder.err == nil:
		if req.Policy != PolicyBuilderOnly {
			log.WithError(engine.err).Info("Engine production failed, using builder candidate")
		}

		return builder.candidate, nil
	default:
		return nil, fmt.Errorf("%w: engine: %v; builder: %v", ErrNoCandidateProduced, engine.err, builder.err)
	}
}
