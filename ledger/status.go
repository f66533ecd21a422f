/*
status.go - Harvest status lifecycle

PURPOSE:
  Derives and validates the harvest lifecycle status. The nominal path
  is linear:

    fresh → drying → curing → processed → distributed

  Weight recordings drive the first two transitions; everything after
  that is an explicit operator action. Allocations never move status on
  their own, and the machine never auto-transitions to distributed even
  when available weight reaches zero.

CORRECTIONS:
  An operator may override to ANY recognized state, including backward.
  Real-world corrections (a harvest marked cured by mistake) require it.
  Backward moves are logged as warnings, never rejected.

SEE ALSO:
  - weight.go: calls TransitionForWeight during recordings
*/
package ledger

// HarvestStatus is the lifecycle state of a harvest.
type HarvestStatus string

const (
	StatusFresh       HarvestStatus = "fresh"
	StatusDrying      HarvestStatus = "drying"
	StatusCuring      HarvestStatus = "curing"
	StatusProcessed   HarvestStatus = "processed"
	StatusDistributed HarvestStatus = "distributed"
)

// statusOrder positions each state on the nominal path. Used only to
// detect backward overrides for warning logs.
var statusOrder = map[HarvestStatus]int{
	StatusFresh:       0,
	StatusDrying:      1,
	StatusCuring:      2,
	StatusProcessed:   3,
	StatusDistributed: 4,
}

// ParseStatus validates a raw status value from an override request.
func ParseStatus(s string) (HarvestStatus, error) {
	st := HarvestStatus(s)
	if _, ok := statusOrder[st]; !ok {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// IsBackward reports whether moving from one state to another walks
// against the nominal path.
func IsBackward(from, to HarvestStatus) bool {
	return statusOrder[to] < statusOrder[from]
}

// TransitionForWeight returns the status a weight recording implies:
// a dry weight on a fresh harvest starts drying, a final weight on a
// drying harvest starts curing. Any other combination leaves the
// current status untouched.
func TransitionForWeight(current HarvestStatus, stage WeightStage) (HarvestStatus, bool) {
	switch {
	case stage == StageDry && current == StatusFresh:
		return StatusDrying, true
	case stage == StageFinal && current == StatusDrying:
		return StatusCuring, true
	}
	return current, false
}
