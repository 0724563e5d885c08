// Package sizing converts strategy performance stats into a contract count
// via a damped, clipped Kelly fraction.
package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"talon/internal/regime"
	"talon/internal/risk"
	"talon/internal/types"
)

// payoffEps replaces a near-zero payoff ratio denominator. Keeping the sign
// matters: a tiny negative ratio must stay maximally punitive, not flip
// into a huge positive edge.
const payoffEps = 1e-6

type Config struct {
	// KellyFraction damps full Kelly. It is applied exactly once.
	KellyFraction float64 `mapstructure:"kelly_fraction"`
	MinFloor      float64 `mapstructure:"min_floor"`
	MaxCap        float64 `mapstructure:"max_cap"`
	// MarginPerContract is the single configured margin constant; the
	// source material carried conflicting values, so it is config-only.
	MarginPerContract float64 `mapstructure:"margin_per_contract"`
	// CommissionPerContract widens the per-contract capital footprint so
	// round-trip costs are reserved up front alongside margin.
	CommissionPerContract float64 `mapstructure:"commission_per_contract"`
}

type Request struct {
	Stats            types.PerformanceStats
	AvailableCapital float64
	Regime           regime.Snapshot
	Phase            types.Phase
}

type Result struct {
	Fraction  float64
	Contracts int
	// CapitalRequired is what the ledger reserves when the position is
	// admitted: contracts x margin.
	CapitalRequired float64
}

type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) (*Sizer, error) {
	if cfg.MinFloor < 0 || cfg.MaxCap <= 0 || cfg.MinFloor > cfg.MaxCap {
		return nil, fmt.Errorf("sizing: bad clip bounds [%.4f, %.4f]", cfg.MinFloor, cfg.MaxCap)
	}
	if cfg.KellyFraction <= 0 || cfg.KellyFraction > 1 {
		return nil, fmt.Errorf("sizing: kelly fraction %.4f outside (0, 1]", cfg.KellyFraction)
	}
	if cfg.MarginPerContract <= 0 {
		return nil, fmt.Errorf("sizing: margin per contract must be positive")
	}
	if cfg.CommissionPerContract < 0 {
		return nil, fmt.Errorf("sizing: commission per contract must be >= 0")
	}
	return &Sizer{cfg: cfg}, nil
}

// Size computes kelly = p - (1-p)/b, damps it, clips it into
// [MinFloor, MaxCap] and converts the fraction to whole contracts. A dollar
// value below one contract's margin is a declined size (zero contracts),
// never a round-up.
func (s *Sizer) Size(req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	p := req.Stats.WinRate
	b := safePayoffRatio(req.Stats.AvgWin, req.Stats.AvgLoss)
	kelly := p - (1-p)/b

	fraction := clip(kelly*s.cfg.KellyFraction, s.cfg.MinFloor, s.cfg.MaxCap)
	if fraction < s.cfg.MinFloor || fraction > s.cfg.MaxCap || math.IsNaN(fraction) {
		return Result{}, risk.SizingBoundsViolation(fraction, s.cfg.MinFloor, s.cfg.MaxCap)
	}

	perContract := s.cfg.MarginPerContract + s.cfg.CommissionPerContract
	dollars := decimal.NewFromFloat(fraction).Mul(decimal.NewFromFloat(req.AvailableCapital))
	contracts := dollars.Div(decimal.NewFromFloat(perContract)).IntPart()
	if contracts < 0 {
		contracts = 0
	}

	return Result{
		Fraction:        fraction,
		Contracts:       int(contracts),
		CapitalRequired: float64(contracts) * perContract,
	}, nil
}

// safePayoffRatio returns avgWin/avgLoss with the denominator and the
// resulting ratio both kept away from zero, preserving sign.
func safePayoffRatio(avgWin, avgLoss float64) float64 {
	loss := avgLoss
	if math.Abs(loss) < payoffEps {
		loss = math.Copysign(payoffEps, loss)
		if loss == 0 {
			loss = payoffEps
		}
	}
	b := avgWin / loss
	if math.Abs(b) < payoffEps {
		b = math.Copysign(payoffEps, b)
		if b == 0 {
			b = payoffEps
		}
	}
	return b
}

func clip(v, lo, hi float64) float64 {
	d := decimal.NewFromFloat(v)
	if d.Cmp(decimal.NewFromFloat(lo)) < 0 {
		return lo
	}
	if d.Cmp(decimal.NewFromFloat(hi)) > 0 {
		return hi
	}
	return v
}

func validate(req Request) error {
	st := req.Stats
	switch {
	case math.IsNaN(st.WinRate) || st.WinRate < 0 || st.WinRate > 1:
		return &risk.ValidationError{Field: "win_rate", Reason: fmt.Sprintf("%v outside [0,1]", st.WinRate)}
	case math.IsNaN(st.AvgWin) || st.AvgWin < 0:
		return &risk.ValidationError{Field: "avg_win", Reason: "must be >= 0"}
	case math.IsNaN(st.AvgLoss) || st.AvgLoss < 0:
		return &risk.ValidationError{Field: "avg_loss", Reason: "must be >= 0"}
	case math.IsNaN(req.AvailableCapital) || req.AvailableCapital < 0:
		return &risk.ValidationError{Field: "available_capital", Reason: "must be >= 0"}
	case !req.Phase.Valid():
		return &risk.ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %d", req.Phase)}
	}
	return nil
}
