package builderclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
)

// BreakerConfig bounds the builder circuit breaker. Without overrides the
// bounds are drawn at random per process so a fleet of validators does not
// disable its builders in lockstep after a shared relay hiccup.
type BreakerConfig struct {
	// FaultInspectionWindow is the number of recent slots over which faults
	// are counted. At least one epoch, less than two.
	FaultInspectionWindow uint64

	// AllowedFaults is the number of faults tolerated within the window
	// before the builder is disabled. At most half the window.
	AllowedFaults uint64
}

// NewBreakerConfig draws breaker bounds. windowOverride and faultsOverride
// replace the random draws when non-zero; an override outside the documented
// bounds is clamped rather than rejected.
func NewBreakerConfig(slotsPerEpoch, windowOverride, faultsOverride uint64) BreakerConfig {
	// rand.Intn panics on a non-positive argument; a degenerate epoch length
	// still yields a one-slot window.
	if slotsPerEpoch == 0 {
		slotsPerEpoch = 1
	}

	window := windowOverride
	if window == 0 {
		window = slotsPerEpoch + uint64(rand.Intn(int(slotsPerEpoch)))
	}
	if window < slotsPerEpoch {
		window = slotsPerEpoch
	}

	faults := faultsOverride
	if faults == 0 {
		faults = 1
		if half := int(window / 2); half > 0 {
			faults += uint64(rand.Intn(half))
		}
	}
	if faults > window/2 {
		faults = window / 2
	}

	return BreakerConfig{
		FaultInspectionWindow: window,
		AllowedFaults:         faults,
	}
}

// FaultTracker counts relay faults over a sliding window of slots.
type FaultTracker struct {
	cfg BreakerConfig

	mu     sync.Mutex
	faults []phase0.Slot
}

// NewFaultTracker creates a tracker with the given bounds.
func NewFaultTracker(cfg BreakerConfig) *FaultTracker {
	return &FaultTracker{cfg: cfg}
}

// RegisterFault records a fault at the given slot and reports whether the
// fault count within the inspection window now exceeds the tolerance.
func (t *FaultTracker) RegisterFault(slot phase0.Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.faults = append(t.faults, slot)
	t.prune(slot)

	return uint64(len(t.faults)) > t.cfg.AllowedFaults
}

// Count returns the number of faults within the window ending at slot.
func (t *FaultTracker) Count(slot phase0.Slot) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(slot)

	return uint64(len(t.faults))
}

// Tripped reports whether the tolerance is exceeded as of slot.
func (t *FaultTracker) Tripped(slot phase0.Slot) bool {
	return t.Count(slot) > t.cfg.AllowedFaults
}

// prune drops faults older than the inspection window. Caller holds mu.
func (t *FaultTracker) prune(now phase0.Slot) {
	cutoff := phase0.Slot(0)
	if uint64(now) > t.cfg.FaultInspectionWindow {
		cutoff = now - phase0.Slot(t.cfg.FaultInspectionWindow)
	}

	kept := t.faults[:0]
	for _, s := range t.faults {
		if s >= cutoff {
			kept = append(kept, s)
		}
	}
	t.faults = kept
}

// SlotClock supplies the current slot to the monitor loop.
type SlotClock interface {
	CurrentSlot() phase0.Slot
}

// Monitor periodically probes relay liveness and keeps the enabled gate in
// sync: a failed probe registers a fault and disables the gate, a healthy
// probe re-enables it once the fault window has recovered. Blocks until ctx
// is cancelled.
func (c *Client) Monitor(ctx context.Context, clock SlotClock, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.probe(ctx, clock)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx, clock)
		}
	}
}

func (c *Client) probe(ctx context.Context, clock SlotClock) {
	slot := clock.CurrentSlot()

	if err := c.CheckStatus(ctx); err != nil {
		c.registerFault(slot)
		c.log.WithError(err).WithField("slot", slot).Warn("Builder status check failed")

		return
	}

	if c.tracker.Tripped(slot) {
		c.log.WithFields(logrus.Fields{
			"slot":   slot,
			"faults": c.tracker.Count(slot),
		}).Debug("Builder healthy but fault window not yet recovered")

		return
	}

	c.UpdateStatus(true)
}
