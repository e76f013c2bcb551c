// Package chain holds the chain specification and slot/fork arithmetic used
// by the proposing pipeline.
package chain

import (
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
)

// Spec holds the chain specification parameters the proposer needs.
type Spec struct {
	SecondsPerSlot        time.Duration
	SlotsPerEpoch         uint64
	GenesisTime           time.Time
	GenesisValidatorsRoot phase0.Root
	GenesisForkVersion    phase0.Version

	CapellaForkEpoch   phase0.Epoch
	CapellaForkVersion phase0.Version
	DenebForkEpoch     phase0.Epoch
	DenebForkVersion   phase0.Version
}

// EpochAtSlot returns the epoch containing the given slot.
func (s *Spec) EpochAtSlot(slot phase0.Slot) phase0.Epoch {
	return phase0.Epoch(uint64(slot) / s.SlotsPerEpoch)
}

// FirstSlotOfEpoch returns the first slot of the given epoch.
func (s *Spec) FirstSlotOfEpoch(epoch phase0.Epoch) phase0.Slot {
	return phase0.Slot(uint64(epoch) * s.SlotsPerEpoch)
}

// DataVersionAtSlot maps a slot to the consensus fork active at that slot.
func (s *Spec) DataVersionAtSlot(slot phase0.Slot) spec.DataVersion {
	epoch := s.EpochAtSlot(slot)
	if epoch >= s.DenebForkEpoch {
		return spec.DataVersionDeneb
	}

	return spec.DataVersionCapella
}

// ForkVersionAtSlot returns the fork version active at the given slot.
func (s *Spec) ForkVersionAtSlot(slot phase0.Slot) phase0.Version {
	if s.DataVersionAtSlot(slot) == spec.DataVersionDeneb {
		return s.DenebForkVersion
	}

	return s.CapellaForkVersion
}

// SupportsBlobs reports whether the given fork carries blob sidecars.
func SupportsBlobs(version spec.DataVersion) bool {
	return version >= spec.DataVersionDeneb
}

// SlotToTime converts a slot number to its start timestamp.
func (s *Spec) SlotToTime(slot phase0.Slot) time.Time {
	return s.GenesisTime.Add(time.Duration(uint64(slot)) * s.SecondsPerSlot)
}

// TimeToSlot converts a timestamp to the slot containing it.
func (s *Spec) TimeToSlot(t time.Time) phase0.Slot {
	if t.Before(s.GenesisTime) {
		return 0
	}

	return phase0.Slot(t.Sub(s.GenesisTime) / s.SecondsPerSlot)
}

// CurrentSlot returns the slot containing the current wall-clock time.
func (s *Spec) CurrentSlot() phase0.Slot {
	return s.TimeToSlot(time.Now())
}
