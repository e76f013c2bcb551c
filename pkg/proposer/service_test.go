package proposer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apiv1deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/require"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
	"github.com/rdvorkin/lodestar/pkg/chain"
)

type fakeProducer struct {
	candidates map[phase0.BLSPubKey]*CandidateBlock
	errs       map[phase0.BLSPubKey]error
	calls      atomic.Int64
}

func (f *fakeProducer) Produce(_ context.Context, req *ProduceRequest) (*CandidateBlock, error) {
	f.calls.Add(1)

	if err := f.errs[req.Pubkey]; err != nil {
		return nil, err
	}

	return f.candidates[req.Pubkey], nil
}

type fakeKeys struct {
	prefs     *ProposerPreferences
	blockErr  error
	blobSigns atomic.Int64
}

func (f *fakeKeys) Pubkeys() []phase0.BLSPubKey { return nil }

func (f *fakeKeys) Preferences(_ phase0.BLSPubKey) (*ProposerPreferences, error) {
	if f.prefs != nil {
		return f.prefs, nil
	}

	return &ProposerPreferences{Policy: PolicyMaxProfit}, nil
}

func (f *fakeKeys) SignRandao(_ context.Context, _ phase0.BLSPubKey, _ phase0.Epoch) (phase0.BLSSignature, error) {
	return phase0.BLSSignature{0x01}, nil
}

func (f *fakeKeys) SignBlock(_ context.Context, _ phase0.BLSPubKey, _ phase0.Slot, _ phase0.Root) (phase0.BLSSignature, error) {
	if f.blockErr != nil {
		return phase0.BLSSignature{}, f.blockErr
	}

	return phase0.BLSSignature{0x02}, nil
}

func (f *fakeKeys) SignBlobSidecar(_ context.Context, _ phase0.BLSPubKey, _ phase0.Slot, _ phase0.Root) (phase0.BLSSignature, error) {
	f.blobSigns.Add(1)

	return phase0.BLSSignature{0x03}, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	full    []*builderapi.VersionedSignedBlockContents
	blinded []*builderapi.VersionedSignedBlindedBlock
}

func (f *fakePublisher) PublishBlock(_ context.Context, contents *builderapi.VersionedSignedBlockContents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = append(f.full, contents)

	return nil
}

func (f *fakePublisher) PublishBlindedBlock(_ context.Context, blinded *builderapi.VersionedSignedBlindedBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blinded = append(f.blinded, blinded)

	return nil
}

func (f *fakePublisher) published() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.full), len(f.blinded)
}

type fakeRevealer struct {
	contents *builderapi.VersionedSignedBlockContents
	err      error
	calls    atomic.Int64
}

func (f *fakeRevealer) SubmitBlindedBlock(_ context.Context, _ *builderapi.VersionedSignedBlindedBlock) (*builderapi.VersionedSignedBlockContents, error) {
	f.calls.Add(1)

	return f.contents, f.err
}

func testSpec() *chain.Spec {
	return &chain.Spec{
		SecondsPerSlot: 12 * time.Second,
		SlotsPerEpoch:  32,
		GenesisTime:    time.Now().Add(-time.Hour),
	}
}

// testETH1Data and testSyncAggregate fill the fixed-size body fields the SSZ
// hasher insists on.
func testETH1Data() *phase0.ETH1Data {
	return &phase0.ETH1Data{BlockHash: make([]byte, 32)}
}

func testSyncAggregate() *altair.SyncAggregate {
	return &altair.SyncAggregate{SyncCommitteeBits: bitfield.NewBitvector512()}
}

func fullDenebCandidate(blobs int) *CandidateBlock {
	commitments := make([]deneb.KZGCommitment, blobs)
	blobList := make([]deneb.Blob, blobs)
	proofs := make([]deneb.KZGProof, blobs)

	return &CandidateBlock{
		Version: spec.DataVersionDeneb,
		Source:  SourceEngine,
		Value:   uint256.NewInt(1),
		Deneb: &deneb.BeaconBlock{
			Slot:          100,
			ProposerIndex: 7,
			Body: &deneb.BeaconBlockBody{
				ETH1Data:      testETH1Data(),
				SyncAggregate: testSyncAggregate(),
				ExecutionPayload: &deneb.ExecutionPayload{
					BaseFeePerGas: uint256.NewInt(1),
				},
				BlobKZGCommitments: commitments,
			},
		},
		Blobs:     blobList,
		KZGProofs: proofs,
	}
}

func blindedDenebCandidate(blobs int) *CandidateBlock {
	commitments := make([]deneb.KZGCommitment, blobs)
	roots := make([]phase0.Root, blobs)
	proofs := make([]deneb.KZGProof, blobs)

	return &CandidateBlock{
		Version: spec.DataVersionDeneb,
		Source:  SourceBuilder,
		Blinded: true,
		Value:   uint256.NewInt(5),
		DenebBlinded: &apiv1deneb.BlindedBeaconBlock{
			Slot:          100,
			ProposerIndex: 7,
			Body: &apiv1deneb.BlindedBeaconBlockBody{
				ETH1Data:      testETH1Data(),
				SyncAggregate: testSyncAggregate(),
				ExecutionPayloadHeader: &deneb.ExecutionPayloadHeader{
					BaseFeePerGas: uint256.NewInt(1),
				},
				BlobKZGCommitments: commitments,
			},
		},
		BlobRoots: roots,
		KZGProofs: proofs,
	}
}

func newTestService(producer CandidateProducer, keys KeyManager, pub Publisher, revealer BlindedBlockRevealer) *Service {
	return NewService(testArbiterLogger(), testSpec(), producer, keys, pub, revealer, nil)
}

func TestHandleDutyGenesisGuard(t *testing.T) {
	producer := &fakeProducer{}
	svc := newTestService(producer, &fakeKeys{}, &fakePublisher{}, nil)

	svc.HandleDuty(context.Background(), 0, []phase0.BLSPubKey{{0x01}})

	require.Zero(t, producer.calls.Load(), "genesis duty must be a no-op")
}

func TestHandleDutyPublishesFullBlock(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: fullDenebCandidate(0)},
	}
	pub := &fakePublisher{}
	revealer := &fakeRevealer{}
	svc := newTestService(producer, &fakeKeys{}, pub, revealer)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Equal(t, 1, full)
	require.Zero(t, blinded)
	require.Zero(t, revealer.calls.Load(), "full candidates never touch the builder")

	require.Equal(t, phase0.BLSSignature{0x02}, pub.full[0].Deneb.SignedBlock.Signature)
}

func TestHandleDutySignsAllBlobs(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: fullDenebCandidate(3)},
	}
	keys := &fakeKeys{}
	pub := &fakePublisher{}
	svc := newTestService(producer, keys, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	require.Equal(t, int64(3), keys.blobSigns.Load())

	full, _ := pub.published()
	require.Equal(t, 1, full)

	sidecars := pub.full[0].Deneb.SignedBlobSidecars
	require.Len(t, sidecars, 3)

	blockRoot, err := pub.full[0].Deneb.SignedBlock.Message.HashTreeRoot()
	require.NoError(t, err)

	for i, sidecar := range sidecars {
		require.Equal(t, deneb.BlobIndex(i), sidecar.Message.Index)
		require.Equal(t, phase0.Root(blockRoot), sidecar.Message.BlockRoot)
		require.Equal(t, phase0.Slot(100), sidecar.Message.Slot)
	}
}

func TestHandleDutyRevealsBlindedBlock(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: blindedDenebCandidate(1)},
	}
	pub := &fakePublisher{}
	revealer := &fakeRevealer{
		contents: &builderapi.VersionedSignedBlockContents{Version: spec.DataVersionDeneb},
	}
	svc := newTestService(producer, &fakeKeys{}, pub, revealer)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	require.Equal(t, int64(1), revealer.calls.Load())

	full, blinded := pub.published()
	require.Equal(t, 1, full, "the revealed contents are published")
	require.Zero(t, blinded)
	require.Same(t, revealer.contents, pub.full[0])
}

func TestHandleDutyPublishesBlindedWithoutRevealer(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: blindedDenebCandidate(0)},
	}
	pub := &fakePublisher{}
	svc := newTestService(producer, &fakeKeys{}, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Zero(t, full)
	require.Equal(t, 1, blinded)
}

func TestHandleDutyNoPublishOnProductionFailure(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		errs: map[phase0.BLSPubKey]error{pubkey: ErrNoCandidateProduced},
	}
	pub := &fakePublisher{}
	svc := newTestService(producer, &fakeKeys{}, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Zero(t, full)
	require.Zero(t, blinded)
}

func TestHandleDutyNoPublishOnSigningFailure(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: fullDenebCandidate(0)},
	}
	pub := &fakePublisher{}
	svc := newTestService(producer, &fakeKeys{blockErr: errors.New("signer down")}, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Zero(t, full)
	require.Zero(t, blinded)
}

func TestHandleDutyRejectsMisalignedBlobCandidate(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	candidate := blindedDenebCandidate(2)
	// Body commits to one blob while the sidecar material carries two.
	candidate.DenebBlinded.Body.BlobKZGCommitments = candidate.DenebBlinded.Body.BlobKZGCommitments[:1]

	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: candidate},
	}
	pub := &fakePublisher{}
	svc := newTestService(producer, &fakeKeys{}, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Zero(t, full, "inconsistent candidate must not be published")
	require.Zero(t, blinded)
}

func TestHandleDutyContainsSiblingFailures(t *testing.T) {
	healthy := phase0.BLSPubKey{0x01}
	broken := phase0.BLSPubKey{0x02}

	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{healthy: fullDenebCandidate(0)},
		errs:       map[phase0.BLSPubKey]error{broken: errors.New("production exploded")},
	}
	pub := &fakePublisher{}
	svc := newTestService(producer, &fakeKeys{}, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{healthy, broken})

	full, _ := pub.published()
	require.Equal(t, 1, full, "one proposer's failure must not abort its sibling")
}

func TestHandleDutyStrictFeeRecipientCheck(t *testing.T) {
	pubkey := phase0.BLSPubKey{0x01}
	candidate := fullDenebCandidate(0)
	candidate.Deneb.Body.ExecutionPayload.FeeRecipient = [20]byte{0xaa}

	producer := &fakeProducer{
		candidates: map[phase0.BLSPubKey]*CandidateBlock{pubkey: candidate},
	}
	pub := &fakePublisher{}
	keys := &fakeKeys{prefs: &ProposerPreferences{
		Policy:                  PolicyExecutionOnly,
		FeeRecipient:            [20]byte{0xbb},
		StrictFeeRecipientCheck: true,
	}}
	svc := newTestService(producer, keys, pub, nil)

	svc.HandleDuty(context.Background(), 100, []phase0.BLSPubKey{pubkey})

	full, blinded := pub.published()
	require.Zero(t, full, "mismatched fee recipient must not be published")
	require.Zero(t, blinded)
}
