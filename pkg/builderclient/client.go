// Package builderclient talks to an external block-builder relay: it fetches
// bids, reveals signed blinded blocks, and maintains the enable/disable gate
// the proposing pipeline consults before using the builder path.
package builderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/rdvorkin/lodestar/pkg/builderapi"
	"github.com/rdvorkin/lodestar/pkg/chain"
	"github.com/rdvorkin/lodestar/pkg/metrics"
	"github.com/rdvorkin/lodestar/pkg/signer"
)

// DefaultRequestTimeout bounds a single relay HTTP call. It is distinct from
// the caller's per-slot deadline.
const DefaultRequestTimeout = 12 * time.Second

var (
	// ErrUnavailable indicates the relay was unreachable or returned no
	// usable message. The call may be treated as an ordinary production
	// failure for the builder source.
	ErrUnavailable = errors.New("builder relay unavailable")

	// ErrIntegrityViolation indicates the relay returned a response that is
	// inconsistent with its own earlier commitments. Never retried.
	ErrIntegrityViolation = errors.New("builder integrity violation")
)

// Config configures the relay client.
type Config struct {
	// RelayURLs are the configured relay endpoints; the first is primary
	// and the only one contacted.
	RelayURLs []string

	// Timeout bounds each relay HTTP request. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration

	// UserAgent, when set, is sent on every relay request.
	UserAgent string

	// FaultInspectionWindow and AllowedFaults override the randomized
	// circuit-breaker bounds when non-zero.
	FaultInspectionWindow uint64
	AllowedFaults         uint64
}

// Client is an HTTP client for a builder relay with a binary enabled gate.
type Client struct {
	relayURL      string
	httpClient    *http.Client
	userAgent     string
	breaker       BreakerConfig
	tracker       *FaultTracker
	builderDomain phase0.Domain
	metrics       *metrics.Metrics
	log           logrus.FieldLogger

	statusMu sync.RWMutex
	enabled  bool
}

// NewClient creates a relay client. The circuit-breaker bounds are drawn at
// construction (see NewBreakerConfig) unless overridden in cfg. The gate
// starts disabled until the first successful status check.
func NewClient(cfg *Config, chainSpec *chain.Spec, m *metrics.Metrics, log logrus.FieldLogger) (*Client, error) {
	if len(cfg.RelayURLs) == 0 {
		return nil, fmt.Errorf("no relay URLs configured")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	breaker := NewBreakerConfig(chainSpec.SlotsPerEpoch, cfg.FaultInspectionWindow, cfg.AllowedFaults)

	c := &Client{
		relayURL: cfg.RelayURLs[0],
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: cfg.UserAgent,
		breaker:   breaker,
		tracker:   NewFaultTracker(breaker),
		// Builder-API signatures are bound to the genesis fork version and a
		// zero genesis validators root.
		builderDomain: signer.ComputeDomain(signer.DomainApplicationBuilder, chainSpec.GenesisForkVersion, phase0.Root{}),
		metrics:       m,
		log:           log.WithField("component", "builder-client"),
	}

	c.log.WithFields(logrus.Fields{
		"relay":                   c.relayURL,
		"fault_inspection_window": breaker.FaultInspectionWindow,
		"allowed_faults":          breaker.AllowedFaults,
	}).Info("Builder client initialized")

	return c, nil
}

// Enabled reports whether the builder path is currently enabled.
func (c *Client) Enabled() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	return c.enabled
}

// UpdateStatus sets the builder gate. Side-effect only, no I/O.
func (c *Client) UpdateStatus(enabled bool) {
	c.statusMu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	c.statusMu.Unlock()

	if changed {
		c.log.WithField("enabled", enabled).Info("Builder status updated")
	}
}

// Breaker returns the circuit-breaker bounds drawn at construction.
func (c *Client) Breaker() BreakerConfig {
	return c.breaker
}

// Faults returns the fault tracker backing the health-check loop.
func (c *Client) Faults() *FaultTracker {
	return c.tracker
}

// CheckStatus probes relay liveness. A failed probe forces the gate to
// disabled before the error is returned, so a stale enabled status never
// survives a failed check.
func (c *Client) CheckStatus(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.relayURL+"/eth/v1/builder/status", nil)
	if err != nil {
		c.UpdateStatus(false)

		return fmt.Errorf("failed to create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.UpdateStatus(false)

		return fmt.Errorf("%w: status probe: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.UpdateStatus(false)

		return fmt.Errorf("%w: status probe returned %d", ErrUnavailable, resp.StatusCode)
	}

	return nil
}

// GetHeader requests a bid for the given slot. It fails with ErrUnavailable
// when the relay errors or returns no usable message.
func (c *Client) GetHeader(
	ctx context.Context,
	version spec.DataVersion,
	slot phase0.Slot,
	parentHash phase0.Hash32,
	pubkey phase0.BLSPubKey,
) (*builderapi.BuilderBid, error) {
	url := fmt.Sprintf("%s/eth/v1/builder/header/%d/%#x/%#x", c.relayURL, slot, parentHash, pubkey)

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create header request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: header request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("%w: relay has no bid for slot %d", ErrUnavailable, slot)
	}

	if resp.StatusCode != http.StatusOK {
		c.registerFault(slot)
		body, _ := io.ReadAll(resp.Body)

		return nil, fmt.Errorf("%w: header request returned %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: failed to read bid: %v", ErrUnavailable, err)
	}

	envelope, err := builderapi.DecodeGetHeaderResponse(version, body)
	if err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: failed to decode bid: %v", ErrUnavailable, err)
	}

	if envelope.Data == nil || envelope.Data.Message == nil || envelope.Data.Message.Header == nil {
		return nil, fmt.Errorf("%w: relay returned an empty bid", ErrUnavailable)
	}

	if err := c.verifyBidSignature(version, envelope.Data); err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	bid := envelope.Data.Message

	c.log.WithFields(logrus.Fields{
		"slot":  slot,
		"value": bid.Value.Dec(),
		"blobs": bid.BlobCount(),
	}).Debug("Received builder bid")

	return bid, nil
}

// SubmitBlindedBlock reveals the full payload committed to by a signed
// blinded block. The relay response is validated against the blinded input
// before anything is trusted; on success the full signed block and blob
// sidecars are reconstructed from the reveal.
func (c *Client) SubmitBlindedBlock(
	ctx context.Context,
	blinded *builderapi.VersionedSignedBlindedBlock,
) (*builderapi.VersionedSignedBlockContents, error) {
	slot, err := blinded.Slot()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(blinded)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blinded block: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.relayURL+"/eth/v1/builder/blinded_blocks", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create reveal request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Eth-Consensus-Version", blinded.Version.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: reveal request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.registerFault(slot)
		respBody, _ := io.ReadAll(resp.Body)

		return nil, fmt.Errorf("%w: reveal returned %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Version string          `json:"version"`
		Data    json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.registerFault(slot)

		return nil, fmt.Errorf("%w: failed to decode reveal response: %v", ErrUnavailable, err)
	}

	contents, err := Unblind(blinded, envelope.Data)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"slot":  slot,
		"blobs": blobCount(contents),
	}).Debug("Blinded block revealed")

	return contents, nil
}

// verifyBidSignature checks the relay's signature over the bid message with
// the application-builder domain.
func (c *Client) verifyBidSignature(version spec.DataVersion, signed *builderapi.SignedBuilderBid) error {
	root, err := signed.Message.HashTreeRoot(version)
	if err != nil {
		return fmt.Errorf("failed to compute bid root: %v", err)
	}

	signingRoot := signer.ComputeSigningRoot(root, c.builderDomain)
	if !signer.VerifySignature(signed.Message.Pubkey, signingRoot, signed.Signature) {
		return fmt.Errorf("bid signature does not verify against builder pubkey %#x", signed.Message.Pubkey)
	}

	return nil
}

// registerFault records a fault against the inspection window and disables
// the gate when the window's tolerance is exceeded.
func (c *Client) registerFault(slot phase0.Slot) {
	c.metrics.CountBuilderFault()

	if c.tracker.RegisterFault(slot) {
		c.log.WithFields(logrus.Fields{
			"slot":           slot,
			"allowed_faults": c.breaker.AllowedFaults,
		}).Warn("Builder fault tolerance exceeded, disabling builder")
		c.UpdateStatus(false)
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return req, nil
}

func blobCount(contents *builderapi.VersionedSignedBlockContents) int {
	if contents != nil && contents.Deneb != nil {
		return len(contents.Deneb.SignedBlobSidecars)
	}

	return 0
}
