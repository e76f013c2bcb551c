package builderclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
	"github.com/rdvorkin/lodestar/pkg/chain"
	"github.com/rdvorkin/lodestar/pkg/signer"
)

const (
	testSlotsPerEpoch = 32

	// Well-known interop validator key, index 1.
	testBuilderPrivkey = "0x51d0b65185db6989ab0b560d6deed19c7ead0e24b9b6372cbecb1f26bdfad000"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func testChainSpec() *chain.Spec {
	return &chain.Spec{
		SecondsPerSlot: 12 * time.Second,
		SlotsPerEpoch:  testSlotsPerEpoch,
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	client, err := NewClient(&Config{
		RelayURLs:             []string{url},
		FaultInspectionWindow: testSlotsPerEpoch,
		AllowedFaults:         2,
	}, testChainSpec(), nil, testLogger())
	require.NoError(t, err)

	return client
}

// signedTestBid signs the bid with the application-builder domain the test
// client derives from its zero genesis fork version.
func signedTestBid(t *testing.T, version spec.DataVersion, bid *builderapi.BuilderBid) *builderapi.SignedBuilderBid {
	t.Helper()

	builderKey, err := signer.NewBLSSigner(testBuilderPrivkey)
	require.NoError(t, err)

	bid.Pubkey = builderKey.PublicKey()

	root, err := bid.HashTreeRoot(version)
	require.NoError(t, err)

	domain := signer.ComputeDomain(signer.DomainApplicationBuilder, phase0.Version{}, phase0.Root{})
	sig, err := builderKey.SignWithDomain(root, domain)
	require.NoError(t, err)

	return &builderapi.SignedBuilderBid{Message: bid, Signature: sig}
}

func TestNewClientRequiresRelayURL(t *testing.T) {
	_, err := NewClient(&Config{}, testChainSpec(), nil, testLogger())
	require.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eth/v1/builder/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	require.NoError(t, client.CheckStatus(context.Background()))
}

func TestCheckStatusFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.UpdateStatus(true)
	require.True(t, client.Enabled())

	err := client.CheckStatus(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, client.Enabled(), "failed probe must force the gate closed")
}

func TestGetHeader(t *testing.T) {
	bid := &builderapi.BuilderBid{
		Header: &deneb.ExecutionPayloadHeader{
			BaseFeePerGas: uint256.NewInt(7),
		},
		Value: uint256.NewInt(1000),
	}
	signed := signedTestBid(t, spec.DataVersionDeneb, bid)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/eth/v1/builder/header/123/")

		resp := &builderapi.GetHeaderResponse{
			Version: "deneb",
			Data:    signed,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	got, err := client.GetHeader(context.Background(), spec.DataVersionDeneb, 123, phase0.Hash32{0x02}, phase0.BLSPubKey{0x01})
	require.NoError(t, err)
	require.Equal(t, bid.Value, got.Value)
	require.Equal(t, bid.Pubkey, got.Pubkey)
}

func TestGetHeaderCapellaBid(t *testing.T) {
	header := &capella.ExecutionPayloadHeader{
		ParentHash:  phase0.Hash32{0xbb},
		BlockNumber: 42,
	}
	bid := &builderapi.BuilderBid{
		Header: builderapi.DenebExecutionPayloadHeader(header),
		Value:  uint256.NewInt(77),
	}
	signed := signedTestBid(t, spec.DataVersionCapella, bid)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The capella wire form carries a capella-typed header without the
		// blob gas fields.
		resp := map[string]interface{}{
			"version": "capella",
			"data": map[string]interface{}{
				"message": map[string]interface{}{
					"header": header,
					"value":  "77",
					"pubkey": signed.Message.Pubkey,
				},
				"signature": signed.Signature,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	got, err := client.GetHeader(context.Background(), spec.DataVersionCapella, 123, phase0.Hash32{0x02}, phase0.BLSPubKey{0x01})
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(77), got.Value)
	require.Equal(t, phase0.Hash32{0xbb}, got.Header.ParentHash)
	require.Equal(t, uint64(42), got.Header.BlockNumber)
	require.True(t, got.Header.BaseFeePerGas.IsZero())
	require.Zero(t, got.BlobCount())
	require.Zero(t, client.Faults().Count(123), "a decodable capella bid is not a relay fault")
}

func TestGetHeaderRejectsForgedSignature(t *testing.T) {
	bid := &builderapi.BuilderBid{
		Header: &deneb.ExecutionPayloadHeader{
			BaseFeePerGas: uint256.NewInt(7),
		},
		Value: uint256.NewInt(1000),
	}
	signed := signedTestBid(t, spec.DataVersionDeneb, bid)
	signed.Signature = phase0.BLSSignature{0xaa}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &builderapi.GetHeaderResponse{
			Version: "deneb",
			Data:    signed,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.GetHeader(context.Background(), spec.DataVersionDeneb, 123, phase0.Hash32{}, phase0.BLSPubKey{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, uint64(1), client.Faults().Count(123), "a forged bid signature is a relay fault")
}

func TestGetHeaderNoBid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.GetHeader(context.Background(), spec.DataVersionDeneb, 123, phase0.Hash32{}, phase0.BLSPubKey{})
	require.ErrorIs(t, err, ErrUnavailable)

	// A missing bid is not a relay fault.
	require.Zero(t, client.Faults().Count(123))
}

func TestGetHeaderErrorRegistersFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.UpdateStatus(true)

	for i := phase0.Slot(1); i <= 3; i++ {
		_, err := client.GetHeader(context.Background(), spec.DataVersionDeneb, i, phase0.Hash32{}, phase0.BLSPubKey{})
		require.ErrorIs(t, err, ErrUnavailable)
	}

	// Three faults against a tolerance of two trips the breaker.
	require.False(t, client.Enabled())
}

func TestSubmitBlindedBlockRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	blinded := &builderapi.VersionedSignedBlindedBlock{
		Version: spec.DataVersionDeneb,
		Deneb:   testDenebBlinded(t, phase0.Root{}, 0),
	}

	_, err := client.SubmitBlindedBlock(context.Background(), blinded)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, uint64(1), client.Faults().Count(123))
}

func TestSubmitBlindedBlockRoundTrip(t *testing.T) {
	txs, txRoot := testTransactions(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eth/v1/builder/blinded_blocks", r.URL.Path)
		require.Equal(t, "deneb", r.Header.Get("Eth-Consensus-Version"))

		envelope := &builderapi.ExecutionPayloadAndBlobsBundle{
			ExecutionPayload: &deneb.ExecutionPayload{
				BaseFeePerGas: uint256.NewInt(7),
				Transactions:  txs,
			},
			BlobsBundle: &builderapi.BlobsBundle{
				Commitments: []deneb.KZGCommitment{{0x01}},
				Proofs:      []deneb.KZGProof{{}},
				Blobs:       []deneb.Blob{{0x11}},
			},
		}
		data, err := json.Marshal(envelope)
		require.NoError(t, err)

		resp := map[string]json.RawMessage{
			"version": json.RawMessage(`"deneb"`),
			"data":    data,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	blinded := &builderapi.VersionedSignedBlindedBlock{
		Version: spec.DataVersionDeneb,
		Deneb:   testDenebBlinded(t, txRoot, 1),
	}

	contents, err := client.SubmitBlindedBlock(context.Background(), blinded)
	require.NoError(t, err)
	require.Len(t, contents.Deneb.SignedBlobSidecars, 1)
	require.Equal(t, deneb.Blob{0x11}, contents.Deneb.SignedBlobSidecars[0].Message.Blob)
}
