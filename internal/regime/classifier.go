// Package regime maps a scalar volatility reading onto a discrete risk
// regime with an associated buying-power cap.
package regime

import (
	"fmt"
	"math"
	"sort"
	"time"

	"talon/internal/risk"
)

type Regime string

const (
	Calm     Regime = "calm"
	Normal   Regime = "normal"
	Elevated Regime = "elevated"
	High     Regime = "high"
	Extreme  Regime = "extreme"
)

// Band is one half-open interval [Lo, Hi) of the volatility axis. The last
// band is unbounded above. Bands are disjoint and cover [0, +inf), so every
// reading maps to exactly one regime; overlapping or gapped boundaries are
// rejected at construction.
type Band struct {
	Lo     float64
	Hi     float64 // math.Inf(1) for the top band
	Regime Regime
	// BPCap is the buying-power cap fraction granted while this band holds.
	BPCap float64
}

// Snapshot records one classification. Classification is pure: the same
// reading always yields the same snapshot modulo timestamp.
type Snapshot struct {
	Vol    float64   `json:"vol"`
	Regime Regime    `json:"regime"`
	BPCap  float64   `json:"bp_cap"`
	At     time.Time `json:"at"`
}

type Classifier struct {
	bands []Band
	nowFn func() time.Time
}

// NewClassifier validates that bands form disjoint half-open coverage of
// [0, +inf) and returns a classifier over them.
func NewClassifier(bands []Band) (*Classifier, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("regime: no bands configured")
	}
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	if sorted[0].Lo != 0 {
		return nil, fmt.Errorf("regime: first band must start at 0, got %.2f", sorted[0].Lo)
	}
	for i, b := range sorted {
		if b.Hi <= b.Lo {
			return nil, fmt.Errorf("regime: band %s empty or inverted [%.2f, %.2f)", b.Regime, b.Lo, b.Hi)
		}
		if b.BPCap <= 0 || b.BPCap > 1 {
			return nil, fmt.Errorf("regime: band %s bp cap %.2f outside (0, 1]", b.Regime, b.BPCap)
		}
		if i < len(sorted)-1 && sorted[i+1].Lo != b.Hi {
			return nil, fmt.Errorf("regime: bands %s and %s do not meet at %.2f",
				b.Regime, sorted[i+1].Regime, b.Hi)
		}
	}
	if !math.IsInf(sorted[len(sorted)-1].Hi, 1) {
		return nil, fmt.Errorf("regime: top band must be unbounded")
	}
	return &Classifier{bands: sorted, nowFn: time.Now}, nil
}

// DefaultBands mirror the configured production cut points. The cap drops
// again in the extreme band: panic volatility gets less capital than merely
// high volatility.
func DefaultBands() []Band {
	return []Band{
		{Lo: 0, Hi: 12, Regime: Calm, BPCap: 0.25},
		{Lo: 12, Hi: 15, Regime: Normal, BPCap: 0.35},
		{Lo: 15, Hi: 20, Regime: Elevated, BPCap: 0.50},
		{Lo: 20, Hi: 30, Regime: High, BPCap: 0.40},
		{Lo: 30, Hi: math.Inf(1), Regime: Extreme, BPCap: 0.30},
	}
}

// Classify maps one volatility reading onto its band. Readings below zero
// or non-finite are malformed input, not market conditions.
func (c *Classifier) Classify(vol float64) (Snapshot, error) {
	if math.IsNaN(vol) || math.IsInf(vol, 0) || vol < 0 {
		return Snapshot{}, &risk.ValidationError{Field: "volatility", Reason: fmt.Sprintf("unusable reading %v", vol)}
	}
	for _, b := range c.bands {
		if vol >= b.Lo && vol < b.Hi {
			return Snapshot{Vol: vol, Regime: b.Regime, BPCap: b.BPCap, At: c.nowFn()}, nil
		}
	}
	// Unreachable once NewClassifier has validated coverage.
	return Snapshot{}, &risk.InvariantViolation{Subsystem: "regime classifier", Detail: fmt.Sprintf("no band for %.4f", vol)}
}
