// Package position owns the per-position lifecycle. Positions live in an
// arena keyed by id; the ledger and the stores refer to them by id only.
package position

import (
	"errors"
	"fmt"

	"talon/internal/types"
)

var (
	ErrUnknownPosition    = errors.New("unknown position id")
	ErrDuplicateID        = errors.New("duplicate position id")
	ErrTransitionInFlight = errors.New("transition already in flight")
)

// IllegalTransition is returned when a caller requests a lifecycle move the
// state machine forbids. It is never silently absorbed.
type IllegalTransition struct {
	From, To types.PositionStatus
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// legal is the full transition table. Halted is reachable from every
// non-terminal state via the emergency/mismatch path.
var legal = map[types.PositionStatus][]types.PositionStatus{
	types.StatusProposed:        {types.StatusSubmitting, types.StatusRejected},
	types.StatusSubmitting:      {types.StatusOpen, types.StatusPartiallyFilled, types.StatusResolving, types.StatusRejected},
	types.StatusPartiallyFilled: {types.StatusResolving},
	types.StatusResolving:       {types.StatusOpen, types.StatusRolledBack},
	types.StatusOpen:            {types.StatusDefending, types.StatusRollingLeg, types.StatusClosing},
	types.StatusDefending:       {types.StatusOpen, types.StatusRollingLeg, types.StatusClosing},
	types.StatusRollingLeg:      {types.StatusOpen, types.StatusClosing},
	types.StatusClosing:         {types.StatusClosed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to types.PositionStatus) bool {
	if to == types.StatusHalted {
		return !from.Terminal()
	}
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}
