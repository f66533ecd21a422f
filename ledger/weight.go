/*
weight.go - The conservation invariant over harvest weight

PURPOSE:
  Owns the write path for a harvest's weight measurements and consumed
  totals. This is the central correctness property of the subsystem:

    DistributedGrams + ExtractedGrams ≤ BestAvailableWeight

  at all times, for every harvest.

CONCURRENCY:
  Check-and-apply is serialized through the store's versioned CAS on the
  harvest document. Two concurrent allocations that would jointly
  overcommit the harvest cannot both succeed: the loser of the version
  race reloads, revalidates against the fresh snapshot, and fails with
  InsufficientAvailableWeight if the winner took the remaining weight.

OWNERSHIP:
  No other component writes DistributedGrams, ExtractedGrams or Status.
  There is deliberately no generic "patch this document" path for those
  fields; that is what keeps the invariant enforceable.

SEE ALSO:
  - status.go: transitions driven by weight recordings
  - facade.go: runs these operations inside store transactions
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// WeightStage names a measurement on the refinement path. Wet is fixed
// at harvest creation; dry and final arrive as processing progresses.
// Trim is recorded for bookkeeping and never drives status.
type WeightStage string

const (
	StageDry   WeightStage = "dry"
	StageFinal WeightStage = "final"
	StageTrim  WeightStage = "trim"
)

// ConsumerKind names what an allocation feeds.
type ConsumerKind string

const (
	ConsumerDistribution ConsumerKind = "distribution"
	ConsumerExtraction   ConsumerKind = "extraction"
)

// defaultAllocateRetries bounds reload-and-revalidate cycles after a
// lost version race.
const defaultAllocateRetries = 3

// WeightLedger applies weight recordings and allocations to harvests.
type WeightLedger struct {
	// MaxRetries bounds automatic optimistic-concurrency retries.
	// Zero means defaultAllocateRetries.
	MaxRetries int
}

// RecordWeight records a dry, final or trim measurement and applies any
// implied status transition. Returns the committed harvest snapshot.
func (wl *WeightLedger) RecordWeight(ctx context.Context, s Store, id HarvestID, stage WeightStage, grams Grams) (*Harvest, error) {
	return wl.mutate(ctx, s, id, func(h *Harvest) error {
		return ApplyWeight(h, stage, grams)
	})
}

// Allocate draws grams from a harvest for a distribution or extraction.
// Returns the committed harvest snapshot so the caller can persist the
// companion entity in the same transaction.
func (wl *WeightLedger) Allocate(ctx context.Context, s Store, id HarvestID, kind ConsumerKind, grams Grams) (*Harvest, error) {
	return wl.mutate(ctx, s, id, func(h *Harvest) error {
		return ApplyAllocation(h, kind, grams)
	})
}

// mutate runs the load → validate-and-apply → CAS-commit loop. Apply
// runs against a fresh snapshot on every attempt, so a validation that
// passed against a stale snapshot never commits.
func (wl *WeightLedger) mutate(ctx context.Context, s Store, id HarvestID, apply func(*Harvest) error) (*Harvest, error) {
	retries := wl.MaxRetries
	if retries <= 0 {
		retries = defaultAllocateRetries
	}

	for attempt := 0; ; attempt++ {
		h, err := s.GetHarvest(ctx, id)
		if err != nil {
			return nil, &PersistenceError{Op: "load harvest", Err: err}
		}
		if h == nil {
			return nil, fmt.Errorf("%w: %s", ErrHarvestNotFound, id)
		}

		if err := apply(h); err != nil {
			return nil, err
		}

		err = s.UpdateHarvest(ctx, *h, h.Version)
		if err == nil {
			h.Version++
			return h, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, &PersistenceError{Op: "commit harvest", Err: err}
		}
		if attempt >= retries {
			return nil, fmt.Errorf("%w: harvest %s", ErrConcurrentModification, id)
		}
	}
}

// =============================================================================
// PURE APPLICATION - validate and mutate a snapshot in memory
// =============================================================================

// ApplyWeight validates a measurement against the refinement rules and
// sets it on the snapshot, advancing status where the stage implies it.
//
// Rules: grams > 0; dry ≤ wet; final ≤ dry (or wet when no dry exists);
// a corrected dry must not fall below an existing final; trim ≤ wet.
// A recording that would leave the best weight below the already consumed
// total is a conservation violation, not a valid refinement.
func ApplyWeight(h *Harvest, stage WeightStage, grams Grams) error {
	if !grams.IsPositive() {
		return &InvalidWeightError{HarvestID: h.ID, Stage: stage, Grams: grams, Reason: "weight must be positive"}
	}

	var ceiling Grams
	switch stage {
	case StageDry:
		ceiling = h.WetWeight
	case StageFinal:
		if h.DryWeight != nil {
			ceiling = *h.DryWeight
		} else {
			ceiling = h.WetWeight
		}
	case StageTrim:
		ceiling = h.WetWeight
	default:
		return &InvalidWeightError{HarvestID: h.ID, Stage: stage, Grams: grams, Reason: "unknown weight stage"}
	}
	if grams.GreaterThan(ceiling) {
		return &InvalidWeightError{HarvestID: h.ID, Stage: stage, Grams: grams, Ceiling: ceiling}
	}

	// A corrected dry weight must keep the wet ≥ dry ≥ final chain intact.
	if stage == StageDry && h.FinalWeight != nil && grams.LessThan(*h.FinalWeight) {
		return &InvalidWeightError{
			HarvestID: h.ID, Stage: stage, Grams: grams,
			Reason: fmt.Sprintf("below recorded final weight %sg", h.FinalWeight),
		}
	}

	// The best weight after this recording must still cover everything
	// already handed out. A final recording becomes the best weight; a dry
	// recording only does when no final weight exists yet.
	if stage != StageTrim {
		best := grams
		if stage == StageDry && h.FinalWeight != nil {
			best = *h.FinalWeight
		}
		consumed := h.ConsumedGrams()
		if best.LessThan(consumed) {
			return &InsufficientAvailableWeightError{
				HarvestID: h.ID,
				Requested: grams,
				Available: ZeroGrams(),
				Consumed:  consumed,
				Best:      h.BestAvailableWeight(),
			}
		}
	}

	switch stage {
	case StageDry:
		h.DryWeight = &grams
	case StageFinal:
		h.FinalWeight = &grams
	case StageTrim:
		h.TrimWeight = &grams
	}

	if next, changed := TransitionForWeight(h.Status, stage); changed {
		h.Status = next
	}
	return nil
}

// ApplyAllocation validates an allocation against available weight and
// adds it to the matching consumed total. Allocation never moves status.
func ApplyAllocation(h *Harvest, kind ConsumerKind, grams Grams) error {
	if kind != ConsumerDistribution && kind != ConsumerExtraction {
		return fmt.Errorf("unknown consumer kind %q", kind)
	}
	if !grams.IsPositive() {
		return &InvalidWeightError{HarvestID: h.ID, Grams: grams, Reason: "allocation must be positive"}
	}

	available := h.AvailableWeight()
	if grams.GreaterThan(available) {
		return &InsufficientAvailableWeightError{
			HarvestID: h.ID,
			Kind:      kind,
			Requested: grams,
			Available: available,
			Consumed:  h.ConsumedGrams(),
			Best:      h.BestAvailableWeight(),
		}
	}

	switch kind {
	case ConsumerDistribution:
		h.DistributedGrams = h.DistributedGrams.Add(grams)
	case ConsumerExtraction:
		h.ExtractedGrams = h.ExtractedGrams.Add(grams)
	}
	return nil
}
