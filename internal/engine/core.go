// Package engine is the facade the scheduler, the HTTP layer and main wire
// against. It owns the admit-then-open handshake, drives periodic exit
// evaluation, and replays persisted state through reconciliation on startup.
package engine

import (
	"context"
	"errors"
	"time"

	"talon/internal/admission"
	"talon/internal/broker"
	"talon/internal/exiteval"
	"talon/internal/logger"
	"talon/internal/order"
	"talon/internal/position"
	"talon/internal/risk"
	"talon/internal/types"

	"github.com/google/uuid"
)

// Store is the durable position storage the engine recovers from. The
// coordinator shares the Save half.
type Store interface {
	order.Store
	Load(ctx context.Context, id string) (*types.Position, error)
	ListActive(ctx context.Context) ([]*types.Position, error)
}

// Core ties the admission controller, the order coordinator and the exit
// evaluator to one book, one ledger and one store.
type Core struct {
	ctrl     *admission.Controller
	coord    *order.Coordinator
	eval     *exiteval.Evaluator
	book     *position.Book
	ledger   *risk.Ledger
	store    Store
	brk      broker.Broker
	drawdown *admission.DrawdownTracker
	phases   *PhaseTracker

	nowFn func() time.Time
}

func NewCore(
	ctrl *admission.Controller,
	coord *order.Coordinator,
	eval *exiteval.Evaluator,
	book *position.Book,
	ledger *risk.Ledger,
	store Store,
	brk broker.Broker,
	drawdown *admission.DrawdownTracker,
	phases *PhaseTracker,
) *Core {
	return &Core{
		ctrl:     ctrl,
		coord:    coord,
		eval:     eval,
		book:     book,
		ledger:   ledger,
		store:    store,
		brk:      brk,
		drawdown: drawdown,
		phases:   phases,
		nowFn:    time.Now,
	}
}

// AdmitPosition runs the gate pipeline for a proposed position. A rejection
// comes back inside the Result, not as an error.
func (c *Core) AdmitPosition(ctx context.Context, req admission.Request) (admission.Result, error) {
	res, err := c.ctrl.Admit(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Admitted {
		c.phases.Observe(res.Equity)
	}
	return res, nil
}

// OpenPosition turns an admitted request into a live position: it scales the
// legs by the sized contract count, registers the position in the book and
// hands it to the coordinator. The result's reservation is released if the
// position never reaches the book.
func (c *Core) OpenPosition(ctx context.Context, req admission.Request, res admission.Result) (*types.Position, error) {
	if !res.Admitted {
		return nil, &risk.ValidationError{Field: "result", Reason: "request was not admitted"}
	}
	if res.Sizing.Contracts < 1 {
		c.ledger.Release(res.Token)
		return nil, &risk.ValidationError{Field: "sizing", Reason: "admitted result sizes to zero contracts"}
	}

	legs := make([]types.Component, len(req.Legs))
	for i, leg := range req.Legs {
		legs[i] = leg
		legs[i].Quantity = leg.Quantity * res.Sizing.Contracts
		legs[i].FillStatus = types.FillUnsubmitted
	}
	pos := &types.Position{
		ID:               uuid.NewString(),
		Strategy:         req.Strategy.ID,
		Group:            req.Strategy.Group,
		Phase:            res.Phase,
		Status:           types.StatusProposed,
		Components:       legs,
		OpeningCredit:    req.OpeningCredit * float64(res.Sizing.Contracts),
		ReservationToken: string(res.Token),
		CapitalReserved:  res.Sizing.CapitalRequired,
	}
	if err := c.book.Add(pos); err != nil {
		c.ledger.Release(res.Token)
		return nil, err
	}
	if err := c.store.Save(ctx, pos); err != nil {
		logger.Errorf("engine: persist proposed %s: %v", pos.ID, err)
	}
	return c.coord.Open(ctx, pos.ID)
}

// EvaluateExits runs one exit pass and dispatches every decision to the
// coordinator. Realized outcomes feed the loss-streak tracker. Positions
// whose transition slot is busy are left for the next pass.
func (c *Core) EvaluateExits(ctx context.Context) ([]types.ExitDecision, error) {
	decisions, err := c.eval.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, dec := range decisions {
		if err := c.dispatch(ctx, dec); err != nil {
			if errors.Is(err, position.ErrTransitionInFlight) {
				logger.Debugf("engine: %s busy, retrying next pass", dec.PositionID)
				continue
			}
			errs = append(errs, err)
		}
	}
	return decisions, errors.Join(errs...)
}

func (c *Core) dispatch(ctx context.Context, dec types.ExitDecision) error {
	switch dec.Action {
	case types.ActionClose:
		if _, err := c.coord.Close(ctx, dec.PositionID, dec.Reason); err != nil {
			return err
		}
		c.recordOutcome(dec.PnLPct)
	case types.ActionRoll:
		if _, err := c.coord.Roll(ctx, dec.PositionID, dec.Reason); err != nil {
			return err
		}
		c.recordOutcome(dec.PnLPct)
	case types.ActionDefend:
		return c.coord.Defend(ctx, dec.PositionID, dec.Reason)
	case types.ActionHold:
	}
	return nil
}

func (c *Core) recordOutcome(pnlPct float64) {
	if pnlPct >= 0 {
		c.drawdown.RecordWin()
		return
	}
	c.drawdown.RecordLoss(c.nowFn())
}

// PositionSnapshot returns a copy of one position.
func (c *Core) PositionSnapshot(id string) (*types.Position, bool) {
	return c.book.Get(id)
}

// Positions lists copies of positions, optionally filtered by status.
func (c *Core) Positions(statuses ...types.PositionStatus) []*types.Position {
	return c.book.List(statuses...)
}

// RiskStats exposes the ledger view for the current phase.
func (c *Core) RiskStats() (groups []risk.GroupStat, capitalReserved, budget float64) {
	return c.ledger.Stats(c.phases.Current())
}

// LiquidateAll flattens every position still holding exposure. Used for the
// drop-everything operator action; errors are joined, not short-circuited.
func (c *Core) LiquidateAll(ctx context.Context, reason string) error {
	var errs []error
	for _, pos := range c.book.List(types.StatusOpen, types.StatusDefending, types.StatusRollingLeg, types.StatusClosing) {
		if _, err := c.coord.Close(ctx, pos.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
