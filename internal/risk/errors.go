package risk

import (
	"errors"
	"fmt"
)

// Sentinels for the expected, frequent rejection paths. They are matched
// with errors.Is and never abort the engine.
var (
	ErrCorrelationLimit = errors.New("correlation group at capacity")
	ErrCapitalExhausted = errors.New("buying power cap exhausted")
	ErrUnknownToken     = errors.New("unknown reservation token")
)

// ValidationError marks a malformed request rejected locally before it can
// reach the broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// InvariantViolation is a defensive assertion failure. It indicates a logic
// defect, not a market condition; the affected subsystem must halt.
type InvariantViolation struct {
	Subsystem string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s invariant violated: %s", e.Subsystem, e.Detail)
}

// CorrelationInvariant builds the fatal over-reservation violation.
func CorrelationInvariant(group string, count, max int) *InvariantViolation {
	return &InvariantViolation{
		Subsystem: "correlation ledger",
		Detail:    fmt.Sprintf("group %s count %d exceeds max %d", group, count, max),
	}
}

// SizingBoundsViolation builds the fatal out-of-bounds fraction violation.
func SizingBoundsViolation(fraction, floor, cap float64) *InvariantViolation {
	return &InvariantViolation{
		Subsystem: "position sizer",
		Detail:    fmt.Sprintf("fraction %.6f outside [%.4f, %.4f]", fraction, floor, cap),
	}
}
