package order

import "fmt"

// PartialFillError reports a multi-leg submit that did not complete. It
// triggers the rollback path automatically and only surfaces to operators
// when rollback itself fails.
type PartialFillError struct {
	PositionID string
	Filled     int
	Unfilled   int
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("position %s: %d of %d legs filled", e.PositionID, e.Filled, e.Filled+e.Unfilled)
}

// ReconciliationMismatch is fatal for the affected position: the book can
// no longer prove the broker's state matches its own. The position is
// halted and requires operator resolution; it is never auto-corrected.
type ReconciliationMismatch struct {
	PositionID string
	Detail     string
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("reconciliation mismatch on %s: %s", e.PositionID, e.Detail)
}
