package engine

import (
	"fmt"
	"sync"

	"talon/internal/types"
)

// PhaseTracker derives the account growth phase from observed equity. The
// thresholds are the equity levels at which phases 2, 3 and 4 unlock; the
// tracker never moves more than one phase per observation so a single bad
// account snapshot cannot whipsaw position limits.
type PhaseTracker struct {
	mu         sync.Mutex
	thresholds [3]float64
	phase      types.Phase
}

// NewPhaseTracker validates the three unlock thresholds and starts at the
// phase implied by the initial equity.
func NewPhaseTracker(thresholds [3]float64, initialEquity float64) (*PhaseTracker, error) {
	if thresholds[0] <= 0 || thresholds[1] <= thresholds[0] || thresholds[2] <= thresholds[1] {
		return nil, fmt.Errorf("phase thresholds must be positive and increasing: %v", thresholds)
	}
	t := &PhaseTracker{thresholds: thresholds}
	t.phase = t.phaseFor(initialEquity)
	return t, nil
}

// Observe feeds a fresh equity reading and returns the current phase.
func (t *PhaseTracker) Observe(equity float64) types.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	target := t.phaseFor(equity)
	switch {
	case target > t.phase:
		t.phase++
	case target < t.phase:
		t.phase--
	}
	return t.phase
}

// Current returns the phase without taking a new reading.
func (t *PhaseTracker) Current() types.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *PhaseTracker) phaseFor(equity float64) types.Phase {
	switch {
	case equity >= t.thresholds[2]:
		return types.Phase4
	case equity >= t.thresholds[1]:
		return types.Phase3
	case equity >= t.thresholds[0]:
		return types.Phase2
	default:
		return types.Phase1
	}
}
