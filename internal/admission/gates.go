package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"talon/internal/broker"
	"talon/internal/pkg/circuit"
	"talon/internal/regime"
	"talon/internal/risk"
	"talon/internal/sizing"
)

// sessionGate admits only inside the configured intraday window on
// weekdays. Window bounds are inclusive at open, exclusive at close.
type sessionGate struct{ cfg Config }

func (g *sessionGate) Name() string { return "session_window" }

func (g *sessionGate) Check(_ context.Context, st *evalState) error {
	wd := st.now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return reject("no session on %s", wd)
	}
	open, err := minutesOfDay(g.cfg.SessionStart)
	if err != nil {
		return err
	}
	close_, err := minutesOfDay(g.cfg.SessionEnd)
	if err != nil {
		return err
	}
	cur := st.now.Hour()*60 + st.now.Minute()
	if cur < open || cur >= close_ {
		return reject("outside session %s-%s", g.cfg.SessionStart, g.cfg.SessionEnd)
	}
	return nil
}

func minutesOfDay(hhmm string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad session time %q", hhmm)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad session time %q", hhmm)
	}
	return h*60 + m, nil
}

// calendarGate consults the external blackout calendar.
type calendarGate struct{ calendar broker.Calendar }

func (g *calendarGate) Name() string { return "blackout_calendar" }

func (g *calendarGate) Check(_ context.Context, st *evalState) error {
	if g.calendar == nil {
		return nil
	}
	if blocked, reason := g.calendar.IsBlackout(st.now); blocked {
		return reject("blackout: %s", reason)
	}
	return nil
}

// phaseGate checks the strategy's account-phase eligibility.
type phaseGate struct{}

func (g *phaseGate) Name() string { return "phase_eligibility" }

func (g *phaseGate) Check(_ context.Context, st *evalState) error {
	min := st.req.Strategy.MinPhase
	if min == 0 {
		min = 1
	}
	if st.phase < min {
		return reject("strategy %s requires phase >= %d, account at %d",
			st.req.Strategy.ID, min, st.phase)
	}
	return nil
}

// capitalGate classifies the volatility reading, enforces the entry
// threshold, sizes the position and checks the regime buying-power budget.
// The decimal comparison keeps the threshold boundary exact: 22.00 rejects
// against a threshold of 22, 22.01 admits.
type capitalGate struct {
	cfg        Config
	classifier *regime.Classifier
	sizer      *sizing.Sizer
	brk        broker.Broker
	ledger     *risk.Ledger
}

func (g *capitalGate) Name() string { return "buying_power" }

func (g *capitalGate) Check(ctx context.Context, st *evalState) error {
	snap, err := g.classifier.Classify(st.req.Volatility)
	if err != nil {
		return err
	}
	st.regime = snap

	if g.cfg.VolEntryThreshold > 0 {
		vol := decimal.NewFromFloat(st.req.Volatility)
		thr := decimal.NewFromFloat(g.cfg.VolEntryThreshold)
		if vol.Cmp(thr) <= 0 {
			return reject("volatility %.2f not above entry threshold %.2f",
				st.req.Volatility, g.cfg.VolEntryThreshold)
		}
	}

	acct, err := g.brk.Account(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	st.equity = acct.Equity
	g.ledger.SetEquity(acct.Equity)
	g.ledger.SetBPCapFraction(snap.BPCap)

	res, err := g.sizer.Size(sizing.Request{
		Stats:            st.req.Strategy.Stats,
		AvailableCapital: acct.Equity * snap.BPCap,
		Regime:           snap,
		Phase:            st.phase,
	})
	if err != nil {
		return err
	}
	if res.Contracts == 0 {
		return reject("sized to zero contracts under %s regime cap %.0f%%",
			snap.Regime, snap.BPCap*100)
	}
	st.sizing = res
	return nil
}

// correlationGate takes the group slot and the sized capital in one atomic
// ledger reservation. The controller releases it if any later gate fails.
type correlationGate struct{ ledger *risk.Ledger }

func (g *correlationGate) Name() string { return "correlation_capacity" }

func (g *correlationGate) Check(_ context.Context, st *evalState) error {
	tok, err := g.ledger.Reserve(st.req.Strategy.Group, st.phase, st.sizing.CapitalRequired)
	if err != nil {
		if errors.Is(err, risk.ErrCorrelationLimit) {
			return reject("CorrelationLimitReached: %v", err)
		}
		if errors.Is(err, risk.ErrCapitalExhausted) {
			return reject("buying power reserved out: %v", err)
		}
		return err
	}
	st.token = tok
	return nil
}

// liquidityGate quotes every leg and rejects on stale or wide markets.
type liquidityGate struct {
	cfg Config
	brk broker.Broker
}

func (g *liquidityGate) Name() string { return "liquidity" }

func (g *liquidityGate) Check(ctx context.Context, st *evalState) error {
	maxSpread := g.cfg.MaxSpreadPct
	if maxSpread <= 0 {
		return nil
	}
	for _, leg := range st.req.Legs {
		q, err := g.brk.Quote(ctx, leg.Symbol, leg.Expiry, leg.Strike, leg.Kind)
		if err != nil {
			return fmt.Errorf("quote %s: %w", leg.Symbol, err)
		}
		if q.Bid <= 0 || q.Ask <= q.Bid {
			return reject("unusable market on %s (bid=%.2f ask=%.2f)", leg.Symbol, q.Bid, q.Ask)
		}
		if spread := q.SpreadPct(); spread > maxSpread {
			return reject("spread %.1f%% on %s exceeds %.1f%%",
				spread*100, leg.Symbol, maxSpread*100)
		}
	}
	return nil
}

// drawdownGate suppresses new entries during a loss streak.
type drawdownGate struct{ tracker *DrawdownTracker }

func (g *drawdownGate) Name() string { return "drawdown_suppression" }

func (g *drawdownGate) Check(_ context.Context, st *evalState) error {
	if g.tracker == nil {
		return nil
	}
	if suppressed, until := g.tracker.Suppressed(st.now); suppressed {
		return reject("loss streak cooloff until %s", until.Format(time.RFC3339))
	}
	return nil
}

// connectivityGate refuses admissions while the broker breaker is open:
// opening legs we may not be able to manage is worse than missing an entry.
type connectivityGate struct{ breaker *circuit.Breaker }

func (g *connectivityGate) Name() string { return "broker_connectivity" }

func (g *connectivityGate) Check(_ context.Context, st *evalState) error {
	if g.breaker == nil {
		return nil
	}
	if !g.breaker.Allow() {
		return reject("broker circuit %s", g.breaker.Current())
	}
	return nil
}
