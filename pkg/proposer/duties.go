package proposer

import (
	"context"
	"fmt"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/rdvorkin/lodestar/pkg/chain"
)

// DutiesProvider resolves validator indices and proposer duties from the
// beacon node.
type DutiesProvider interface {
	ValidatorIndices(ctx context.Context, pubkeys []phase0.BLSPubKey) (map[phase0.ValidatorIndex]phase0.BLSPubKey, error)
	ProposerDuties(ctx context.Context, epoch phase0.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ProposerDuty, error)
}

// DutyHandler consumes one slot's proposal duty.
type DutyHandler interface {
	HandleDuty(ctx context.Context, slot phase0.Slot, pubkeys []phase0.BLSPubKey)
}

// Scheduler polls proposer duties once per epoch and fires HandleDuty at
// each assigned slot's start. Retry and backoff across epochs live here, not
// in the duty handler.
type Scheduler struct {
	log     logrus.FieldLogger
	spec    *chain.Spec
	duties  DutiesProvider
	handler DutyHandler
	pubkeys []phase0.BLSPubKey
}

// NewScheduler creates a duties scheduler for the given validators.
func NewScheduler(
	log logrus.FieldLogger,
	chainSpec *chain.Spec,
	duties DutiesProvider,
	handler DutyHandler,
	pubkeys []phase0.BLSPubKey,
) *Scheduler {
	return &Scheduler{
		log:     log.WithField("component", "duties-scheduler"),
		spec:    chainSpec,
		duties:  duties,
		handler: handler,
		pubkeys: pubkeys,
	}
}

// Run schedules duties epoch by epoch until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		epoch := s.spec.EpochAtSlot(s.spec.CurrentSlot())

		if err := s.scheduleEpoch(ctx, epoch); err != nil {
			s.log.WithError(err).WithField("epoch", epoch).Error("Failed to schedule epoch duties")
		}

		nextEpochStart := s.spec.SlotToTime(s.spec.FirstSlotOfEpoch(epoch + 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(nextEpochStart)):
		}
	}
}

func (s *Scheduler) scheduleEpoch(ctx context.Context, epoch phase0.Epoch) error {
	indices, err := s.duties.ValidatorIndices(ctx, s.pubkeys)
	if err != nil {
		return fmt.Errorf("failed to resolve validator indices: %w", err)
	}

	if len(indices) == 0 {
		s.log.WithField("epoch", epoch).Debug("No active validators")

		return nil
	}

	indexList := make([]phase0.ValidatorIndex, 0, len(indices))
	for index := range indices {
		indexList = append(indexList, index)
	}

	duties, err := s.duties.ProposerDuties(ctx, epoch, indexList)
	if err != nil {
		return fmt.Errorf("failed to fetch proposer duties: %w", err)
	}

	bySlot := make(map[phase0.Slot][]phase0.BLSPubKey)
	for _, duty := range duties {
		if _, ours := indices[duty.ValidatorIndex]; !ours {
			continue
		}

		bySlot[duty.Slot] = append(bySlot[duty.Slot], duty.PubKey)
	}

	currentSlot := s.spec.CurrentSlot()
	for slot, pubkeys := range bySlot {
		if slot < currentSlot {
			continue
		}

		s.log.WithFields(logrus.Fields{
			"epoch":     epoch,
			"slot":      slot,
			"proposers": len(pubkeys),
		}).Info("Scheduled proposal duty")

		go s.fireAt(ctx, slot, pubkeys)
	}

	return nil
}

func (s *Scheduler) fireAt(ctx context.Context, slot phase0.Slot, pubkeys []phase0.BLSPubKey) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(s.spec.SlotToTime(slot))):
	}

	s.handler.HandleDuty(ctx, slot, pubkeys)
}
