// Package keystore holds the validator signing keys and per-validator
// proposal preferences, and implements the signing capability the proposing
// pipeline consumes.
package keystore

import (
	"context"
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/rdvorkin/lodestar/pkg/chain"
	"github.com/rdvorkin/lodestar/pkg/proposer"
	"github.com/rdvorkin/lodestar/pkg/signer"
)

// ValidatorConfig is one validator's key and proposal preferences as loaded
// from configuration.
type ValidatorConfig struct {
	PrivateKey              string
	Graffiti                string
	FeeRecipient            string
	StrictFeeRecipientCheck bool
	Policy                  proposer.Policy
}

type entry struct {
	signer *signer.BLSSigner
	prefs  *proposer.ProposerPreferences
}

// Keystore implements proposer.KeyManager for a fixed set of local keys.
type Keystore struct {
	log     logrus.FieldLogger
	spec    *chain.Spec
	entries map[phase0.BLSPubKey]*entry
	order   []phase0.BLSPubKey
}

// New creates a keystore from validator configs. Duplicate keys are
// rejected.
func New(log logrus.FieldLogger, chainSpec *chain.Spec, validators []*ValidatorConfig) (*Keystore, error) {
	ks := &Keystore{
		log:     log.WithField("component", "keystore"),
		spec:    chainSpec,
		entries: make(map[phase0.BLSPubKey]*entry, len(validators)),
	}

	for i, v := range validators {
		blsSigner, err := signer.NewBLSSigner(v.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}

		pubkey := blsSigner.PublicKey()
		if _, exists := ks.entries[pubkey]; exists {
			return nil, fmt.Errorf("validator %d: duplicate key %#x", i, pubkey)
		}

		prefs, err := buildPreferences(v)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}

		ks.entries[pubkey] = &entry{signer: blsSigner, prefs: prefs}
		ks.order = append(ks.order, pubkey)

		ks.log.WithFields(logrus.Fields{
			"pubkey": fmt.Sprintf("%#x", pubkey),
			"policy": prefs.Policy,
		}).Info("Loaded validator key")
	}

	if len(ks.order) == 0 {
		return nil, fmt.Errorf("no validator keys configured")
	}

	return ks, nil
}

func buildPreferences(v *ValidatorConfig) (*proposer.ProposerPreferences, error) {
	prefs := &proposer.ProposerPreferences{
		StrictFeeRecipientCheck: v.StrictFeeRecipientCheck,
		Policy:                  v.Policy,
	}

	if len(v.Graffiti) > len(prefs.Graffiti) {
		return nil, fmt.Errorf("graffiti %q exceeds 32 bytes", v.Graffiti)
	}
	copy(prefs.Graffiti[:], v.Graffiti)

	if v.FeeRecipient != "" {
		if !common.IsHexAddress(v.FeeRecipient) {
			return nil, fmt.Errorf("invalid fee recipient %q", v.FeeRecipient)
		}

		prefs.FeeRecipient = bellatrix.ExecutionAddress(common.HexToAddress(v.FeeRecipient))
	}

	if _, err := proposer.ParsePolicy(string(v.Policy)); err != nil {
		return nil, err
	}

	return prefs, nil
}

// Pubkeys returns the managed public keys in configuration order.
func (k *Keystore) Pubkeys() []phase0.BLSPubKey {
	keys := make([]phase0.BLSPubKey, len(k.order))
	copy(keys, k.order)

	return keys
}

// Preferences returns the proposal preferences for a managed key.
func (k *Keystore) Preferences(pubkey phase0.BLSPubKey) (*proposer.ProposerPreferences, error) {
	e, ok := k.entries[pubkey]
	if !ok {
		return nil, fmt.Errorf("unknown validator key %#x", pubkey)
	}

	return e.prefs, nil
}

// SignRandao signs the epoch for the randao reveal.
func (k *Keystore) SignRandao(_ context.Context, pubkey phase0.BLSPubKey, epoch phase0.Epoch) (phase0.BLSSignature, error) {
	e, ok := k.entries[pubkey]
	if !ok {
		return phase0.BLSSignature{}, fmt.Errorf("unknown validator key %#x", pubkey)
	}

	domain := k.domainAt(signer.DomainRandao, k.spec.FirstSlotOfEpoch(epoch))

	return e.signer.SignWithDomain(signer.EpochRoot(epoch), domain)
}

// SignBlock signs a beacon block root with the proposer domain.
func (k *Keystore) SignBlock(_ context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, root phase0.Root) (phase0.BLSSignature, error) {
	e, ok := k.entries[pubkey]
	if !ok {
		return phase0.BLSSignature{}, fmt.Errorf("unknown validator key %#x", pubkey)
	}

	return e.signer.SignWithDomain(root, k.domainAt(signer.DomainBeaconProposer, slot))
}

// SignBlobSidecar signs a blob sidecar root with the blob sidecar domain.
func (k *Keystore) SignBlobSidecar(_ context.Context, pubkey phase0.BLSPubKey, slot phase0.Slot, root phase0.Root) (phase0.BLSSignature, error) {
	e, ok := k.entries[pubkey]
	if !ok {
		return phase0.BLSSignature{}, fmt.Errorf("unknown validator key %#x", pubkey)
	}

	return e.signer.SignWithDomain(root, k.domainAt(signer.DomainBlobSidecar, slot))
}

func (k *Keystore) domainAt(domainType phase0.DomainType, slot phase0.Slot) phase0.Domain {
	return signer.ComputeDomain(domainType, k.spec.ForkVersionAtSlot(slot), k.spec.GenesisValidatorsRoot)
}
