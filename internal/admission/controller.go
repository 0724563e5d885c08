// Package admission decides whether a strategy may open a new position. A
// fixed, ordered gate pipeline combines the regime classifier, the risk
// ledger, the Kelly sizer and the external collaborators into one
// admit/reject decision. The first failing gate short-circuits evaluation
// and names itself in the rejection.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talon/internal/broker"
	"talon/internal/logger"
	"talon/internal/pkg/circuit"
	"talon/internal/regime"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/types"
)

// Request is what a strategy submits when it wants a position opened. Legs
// arrive unsubmitted; Volatility is the strategy's current market reading.
type Request struct {
	Strategy   types.StrategyProfile
	Legs       []types.Component
	Volatility float64
	// OpeningCredit is the expected net credit (positive) or debit
	// (negative) for the whole structure, per contract set.
	OpeningCredit float64
}

// Result carries the decision. A rejection is an expected outcome, not an
// error: Gate and Reason identify the failing check for diagnostics.
type Result struct {
	Admitted bool
	Gate     string
	Reason   string

	// Populated only on admit. Token holds the ledger reservation that
	// OpenPosition later commits; the engine must release it if the open
	// never happens.
	Token   risk.Token
	Sizing  sizing.Result
	Regime  regime.Snapshot
	Phase   types.Phase
	Equity  float64
}

// evalState is threaded through the gates; later gates read what earlier
// gates computed.
type evalState struct {
	req    *Request
	now    time.Time
	phase  types.Phase
	equity float64
	regime regime.Snapshot
	sizing sizing.Result
	token  risk.Token
}

// gateError is the controlled rejection carrier inside the pipeline.
type gateError struct{ reason string }

func (e *gateError) Error() string { return e.reason }

func reject(format string, v ...any) error {
	return &gateError{reason: fmt.Sprintf(format, v...)}
}

// Gate is one check in the pipeline. Returning a gateError rejects the
// request; any other error aborts admission as a mechanical failure.
type Gate interface {
	Name() string
	Check(ctx context.Context, st *evalState) error
}

type Config struct {
	SessionStart string  `mapstructure:"session_start"` // "09:35"
	SessionEnd   string  `mapstructure:"session_end"`   // "15:45"
	// VolEntryThreshold admits only strictly above this level; exactly at
	// the threshold rejects. The source material disagreed with itself
	// here, so the interpretation is pinned in config, not code.
	VolEntryThreshold float64 `mapstructure:"vol_entry_threshold"`
	MaxSpreadPct      float64 `mapstructure:"max_spread_pct"`
	LossStreakLimit   int     `mapstructure:"loss_streak_limit"`
	CooloffMinutes    int     `mapstructure:"cooloff_minutes"`
}

type Controller struct {
	cfg        Config
	classifier *regime.Classifier
	ledger     *risk.Ledger
	sizer      *sizing.Sizer
	brk        broker.Broker
	calendar   broker.Calendar
	breaker    *circuit.Breaker
	drawdown   *DrawdownTracker
	phaseFn    func() types.Phase
	gates      []Gate
	nowFn      func() time.Time
}

// Option customizes a Controller at construction.
type Option func(*Controller)

// WithClock overrides the controller's time source, pinning session and
// cooloff checks to a known instant.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) { c.nowFn = fn }
}

func NewController(
	cfg Config,
	classifier *regime.Classifier,
	ledger *risk.Ledger,
	sizer *sizing.Sizer,
	brk broker.Broker,
	calendar broker.Calendar,
	breaker *circuit.Breaker,
	drawdown *DrawdownTracker,
	phaseFn func() types.Phase,
	opts ...Option,
) *Controller {
	c := &Controller{
		cfg:        cfg,
		classifier: classifier,
		ledger:     ledger,
		sizer:      sizer,
		brk:        brk,
		calendar:   calendar,
		breaker:    breaker,
		drawdown:   drawdown,
		phaseFn:    phaseFn,
		nowFn:      time.Now,
	}
	c.gates = []Gate{
		&sessionGate{cfg: cfg},
		&calendarGate{calendar: calendar},
		&phaseGate{},
		&capitalGate{cfg: cfg, classifier: classifier, sizer: sizer, brk: brk, ledger: ledger},
		&correlationGate{ledger: ledger},
		&liquidityGate{cfg: cfg, brk: brk},
		&drawdownGate{tracker: drawdown},
		&connectivityGate{breaker: breaker},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit runs the pipeline. A ledger reservation made mid-pipeline is
// released when any later gate fails or the context is cancelled; it
// survives only inside an admitted Result.
func (c *Controller) Admit(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(&req); err != nil {
		return Result{}, err
	}

	st := &evalState{req: &req, now: c.nowFn(), phase: c.phaseFn()}
	for _, g := range c.gates {
		if err := ctx.Err(); err != nil {
			c.releaseIfReserved(st)
			return Result{}, err
		}
		err := g.Check(ctx, st)
		if err == nil {
			continue
		}
		c.releaseIfReserved(st)
		var ge *gateError
		if errors.As(err, &ge) {
			logger.Infow("admission rejected",
				"strategy", req.Strategy.ID, "gate", g.Name(), "reason", ge.reason)
			return Result{Admitted: false, Gate: g.Name(), Reason: ge.reason}, nil
		}
		return Result{}, fmt.Errorf("admission gate %s: %w", g.Name(), err)
	}

	logger.Infow("admission granted",
		"strategy", req.Strategy.ID, "group", req.Strategy.Group,
		"contracts", st.sizing.Contracts, "regime", string(st.regime.Regime))
	return Result{
		Admitted: true,
		Token:    st.token,
		Sizing:   st.sizing,
		Regime:   st.regime,
		Phase:    st.phase,
		Equity:   st.equity,
	}, nil
}

func (c *Controller) releaseIfReserved(st *evalState) {
	if st.token != "" {
		c.ledger.Release(st.token)
		st.token = ""
	}
}

func validateRequest(req *Request) error {
	switch {
	case req.Strategy.ID == "":
		return &risk.ValidationError{Field: "strategy.id", Reason: "required"}
	case req.Strategy.Group == "":
		return &risk.ValidationError{Field: "strategy.group", Reason: "required"}
	case len(req.Legs) == 0:
		return &risk.ValidationError{Field: "legs", Reason: "at least one leg required"}
	}
	for i, leg := range req.Legs {
		if leg.Symbol == "" || leg.Quantity <= 0 {
			return &risk.ValidationError{Field: fmt.Sprintf("legs[%d]", i), Reason: "symbol and positive quantity required"}
		}
		if leg.Side != types.SideLong && leg.Side != types.SideShort {
			return &risk.ValidationError{Field: fmt.Sprintf("legs[%d].side", i), Reason: string(leg.Side)}
		}
	}
	return nil
}
