package builderclient

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func TestNewBreakerConfigBounds(t *testing.T) {
	const slotsPerEpoch = 32

	for i := 0; i < 1000; i++ {
		cfg := NewBreakerConfig(slotsPerEpoch, 0, 0)

		require.GreaterOrEqual(t, cfg.FaultInspectionWindow, uint64(slotsPerEpoch))
		require.Less(t, cfg.FaultInspectionWindow, uint64(2*slotsPerEpoch))
		require.GreaterOrEqual(t, cfg.AllowedFaults, uint64(1))
		require.LessOrEqual(t, cfg.AllowedFaults, cfg.FaultInspectionWindow/2)
	}
}

func TestNewBreakerConfigOverrides(t *testing.T) {
	cfg := NewBreakerConfig(32, 40, 5)
	require.Equal(t, uint64(40), cfg.FaultInspectionWindow)
	require.Equal(t, uint64(5), cfg.AllowedFaults)
}

func TestNewBreakerConfigDegenerateEpoch(t *testing.T) {
	// Epoch lengths too short to randomize still draw usable bounds.
	cfg := NewBreakerConfig(1, 0, 0)
	require.Equal(t, uint64(1), cfg.FaultInspectionWindow)
	require.Zero(t, cfg.AllowedFaults)

	cfg = NewBreakerConfig(0, 0, 0)
	require.Equal(t, uint64(1), cfg.FaultInspectionWindow)
	require.Zero(t, cfg.AllowedFaults)
}

func TestNewBreakerConfigClampsOverrides(t *testing.T) {
	// A window shorter than an epoch is raised to one epoch; a tolerance
	// above half the window is lowered to half.
	cfg := NewBreakerConfig(32, 8, 100)
	require.Equal(t, uint64(32), cfg.FaultInspectionWindow)
	require.Equal(t, uint64(16), cfg.AllowedFaults)
}

func TestFaultTrackerSlidingWindow(t *testing.T) {
	tracker := NewFaultTracker(BreakerConfig{
		FaultInspectionWindow: 10,
		AllowedFaults:         2,
	})

	require.False(t, tracker.RegisterFault(100))
	require.False(t, tracker.RegisterFault(101))
	require.True(t, tracker.RegisterFault(102))
	require.True(t, tracker.Tripped(102))

	// Once the early faults age past the window only the latest remains.
	require.Equal(t, uint64(1), tracker.Count(112))
	require.False(t, tracker.Tripped(112))
}

func TestFaultTrackerPrunesOnRegister(t *testing.T) {
	tracker := NewFaultTracker(BreakerConfig{
		FaultInspectionWindow: 5,
		AllowedFaults:         1,
	})

	require.False(t, tracker.RegisterFault(10))
	// Slot 100 is far past the window, so the slot-10 fault no longer
	// counts against the tolerance.
	require.False(t, tracker.RegisterFault(100))
	require.Equal(t, uint64(1), tracker.Count(100))
}

func TestFaultTrackerEarlySlots(t *testing.T) {
	tracker := NewFaultTracker(BreakerConfig{
		FaultInspectionWindow: 64,
		AllowedFaults:         1,
	})

	require.False(t, tracker.RegisterFault(phase0.Slot(0)))
	require.True(t, tracker.RegisterFault(phase0.Slot(1)))
}
