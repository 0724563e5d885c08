// Package exiteval scans working positions against the exit rule table and
// decides what, if anything, the coordinator should do with each one. All
// threshold comparisons are inclusive and run through shopspring/decimal so
// a position sitting exactly on a boundary triggers instead of drifting past
// it on float error.
package exiteval

import (
	"context"
	"fmt"
	"time"

	"talon/internal/broker"
	"talon/internal/exitrule"
	"talon/internal/logger"
	"talon/internal/position"
	"talon/internal/types"

	"github.com/shopspring/decimal"
)

// Reasons carried on exit decisions. The engine maps them to win/loss
// bookkeeping, so they are stable identifiers rather than prose.
const (
	ReasonProfitTarget = "profit_target"
	ReasonStopLoss     = "stop_loss"
	ReasonDTEProfit    = "dte_profit_take"
	ReasonDTERoll      = "dte_roll"
	ReasonDefend       = "defend_threshold"
)

// RuleSource resolves the exit rules for a strategy.
type RuleSource interface {
	RulesFor(strategy string) (exitrule.Rules, bool)
}

// Evaluator prices working positions and emits exit decisions.
type Evaluator struct {
	book  *position.Book
	brk   broker.Broker
	rules RuleSource

	nowFn func() time.Time
}

// NewEvaluator wires an evaluator over the book, the broker used for
// marks, and the rule table.
func NewEvaluator(book *position.Book, brk broker.Broker, rules RuleSource) *Evaluator {
	return &Evaluator{book: book, brk: brk, rules: rules, nowFn: time.Now}
}

// Evaluate walks every Open and Defending position and returns one decision
// per position that needs action. Pricing a position also refreshes its
// cached aggregate greeks on the book. Positions that cannot be priced
// (broker unavailable, missing quote) are skipped rather than guessed at;
// they will be re-examined on the next pass.
func (e *Evaluator) Evaluate(ctx context.Context) ([]types.ExitDecision, error) {
	now := e.nowFn()
	var out []types.ExitDecision
	for _, pos := range e.book.List(types.StatusOpen, types.StatusDefending) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rules, ok := e.rules.RulesFor(pos.Strategy)
		if !ok {
			logger.Warnf("Exit eval: no rules for strategy %s, holding %s", pos.Strategy, pos.ID)
			continue
		}
		pnlPct, greeks, err := e.mark(ctx, pos)
		if err != nil {
			logger.Warnf("Exit eval: cannot price %s: %v", pos.ID, err)
			continue
		}
		e.cacheGreeks(pos.ID, greeks)
		if dec, acted := decide(pos, rules, pnlPct, now); acted {
			logger.Infow("exit decision",
				"position", pos.ID,
				"strategy", pos.Strategy,
				"action", string(dec.Action),
				"reason", dec.Reason,
				"pnl_pct", pnlPct,
			)
			out = append(out, dec)
		}
	}
	return out, nil
}

// decide applies the rule precedence for a single position:
//
//  1. stop loss          (loss at or beyond stop_loss_pct)
//  2. profit target      (gain at or beyond profit_target_pct)
//  3. defensive DTE      (at or under defensive_dte: profitable closes,
//     losing rolls)
//  4. defend threshold   (optional, loss at or beyond defend_loss_pct while
//     still above stop; only for positions not already defending)
func decide(pos *types.Position, rules exitrule.Rules, pnlPct float64, now time.Time) (types.ExitDecision, bool) {
	pnl := decimal.NewFromFloat(pnlPct)
	stop := decimal.NewFromFloat(rules.StopLossPct).Neg()
	target := decimal.NewFromFloat(rules.ProfitTargetPct)

	mk := func(action types.ExitAction, reason string) (types.ExitDecision, bool) {
		return types.ExitDecision{PositionID: pos.ID, Action: action, Reason: reason, PnLPct: pnlPct}, true
	}

	if pnl.LessThanOrEqual(stop) {
		return mk(types.ActionClose, ReasonStopLoss)
	}
	if pnl.GreaterThanOrEqual(target) {
		return mk(types.ActionClose, ReasonProfitTarget)
	}
	if pos.MinDTE(now) <= rules.DefensiveDTE {
		if pnl.IsNegative() {
			return mk(types.ActionRoll, ReasonDTERoll)
		}
		return mk(types.ActionClose, ReasonDTEProfit)
	}
	if rules.DefendLossPct > 0 && pos.Status != types.StatusDefending {
		defend := decimal.NewFromFloat(rules.DefendLossPct).Neg()
		if pnl.LessThanOrEqual(defend) {
			return mk(types.ActionDefend, ReasonDefend)
		}
	}
	return types.ExitDecision{}, false
}

// mark prices the position to mid, returning P&L as a fraction of the
// opening credit plus the signed aggregate greeks. For a credit structure
// the cost to close is the sum of short-leg marks minus long-leg marks,
// each scaled by quantity; short legs carry their greeks negated.
func (e *Evaluator) mark(ctx context.Context, pos *types.Position) (float64, types.Greeks, error) {
	if pos.OpeningCredit == 0 {
		return 0, types.Greeks{}, fmt.Errorf("position %s has no opening credit recorded", pos.ID)
	}
	closeCost := decimal.Zero
	var agg types.Greeks
	for _, i := range pos.FilledComponents() {
		c := pos.Components[i]
		q, err := e.brk.Quote(ctx, c.Symbol, c.Expiry, c.Strike, c.Kind)
		if err != nil {
			return 0, types.Greeks{}, err
		}
		legValue := decimal.NewFromFloat(q.Mid()).Mul(decimal.NewFromInt(int64(c.Quantity)))
		qty := float64(c.Quantity)
		if c.Side == types.SideShort {
			closeCost = closeCost.Add(legValue)
			qty = -qty
		} else {
			closeCost = closeCost.Sub(legValue)
		}
		agg.Delta += q.Greeks.Delta * qty
		agg.Gamma += q.Greeks.Gamma * qty
		agg.Theta += q.Greeks.Theta * qty
		agg.Vega += q.Greeks.Vega * qty
	}
	credit := decimal.NewFromFloat(pos.OpeningCredit)
	pnl := credit.Sub(closeCost)
	pct, _ := pnl.Div(credit.Abs()).Float64()
	return pct, agg, nil
}

// cacheGreeks publishes the fresh aggregate mark onto the book. A position
// whose transition slot is taken keeps its previous mark until the next
// pass.
func (e *Evaluator) cacheGreeks(id string, g types.Greeks) {
	m, err := e.book.Begin(id)
	if err != nil {
		return
	}
	m.Position().Greeks = g
	m.Commit()
}
