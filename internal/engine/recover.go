package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"talon/internal/broker"
	"talon/internal/logger"
	"talon/internal/order"
	"talon/internal/types"
)

// Recover rebuilds in-memory state after a restart. It replays every
// persisted active position into the book, re-reserves its ledger slot,
// reconciles book exposure against the broker's live positions, and only
// then resumes interrupted closes and opens. Nothing is ever auto-corrected:
// a position whose persisted legs do not match the broker is halted and
// reported, and exit evaluation must not start until Recover returns.
func (c *Core) Recover(ctx context.Context) error {
	actives, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("recovery: load positions: %w", err)
	}

	var resumeClose, resumeResolve []string
	for _, pos := range actives {
		if err := c.book.Restore(pos); err != nil {
			return fmt.Errorf("recovery: restore %s: %w", pos.ID, err)
		}
		if !pos.Status.Terminal() {
			c.rebindReservation(ctx, pos)
		}
		switch pos.Status {
		case types.StatusClosing:
			resumeClose = append(resumeClose, pos.ID)
		case types.StatusSubmitting, types.StatusPartiallyFilled, types.StatusResolving:
			resumeResolve = append(resumeResolve, pos.ID)
		}
	}
	logger.Infow("recovery: book restored",
		"active", len(actives),
		"resume_close", len(resumeClose),
		"resume_resolve", len(resumeResolve),
	)

	live, err := c.brk.LivePositions(ctx)
	if err != nil {
		return fmt.Errorf("recovery: broker positions: %w", err)
	}
	errs := c.reconcile(ctx, live)

	for _, id := range resumeClose {
		if halted(c.book.Get(id)) {
			continue
		}
		if _, err := c.coord.Close(ctx, id, "recovery_resume"); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range resumeResolve {
		if halted(c.book.Get(id)) {
			continue
		}
		if _, err := c.coord.Resolve(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rebindReservation re-reserves the correlation slot and capital an active
// position held before the restart. The ledger starts empty on boot, so a
// failure here means the persisted book no longer fits current limits; the
// position is halted rather than silently left untracked.
func (c *Core) rebindReservation(ctx context.Context, pos *types.Position) {
	if pos.Status == types.StatusHalted {
		return
	}
	tok, err := c.ledger.Reserve(pos.Group, pos.Phase, pos.CapitalReserved)
	if err != nil {
		detail := fmt.Sprintf("recovery: cannot re-reserve slot: %v", err)
		c.haltPosition(ctx, pos.ID, detail)
		return
	}
	if err := c.ledger.Commit(tok, pos.ID); err != nil {
		logger.Errorf("recovery: commit reservation for %s: %v", pos.ID, err)
	}
	m, err := c.book.Begin(pos.ID)
	if err != nil {
		logger.Errorf("recovery: rebind token on %s: %v", pos.ID, err)
		return
	}
	m.Position().ReservationToken = string(tok)
	m.Commit()
}

// reconcile checks that every filled leg the book believes in is covered by
// live broker exposure. Shortfalls halt the owning position; exposure the
// broker holds that no position explains is reported but left untouched.
func (c *Core) reconcile(ctx context.Context, live []broker.LivePosition) []error {
	pool := make(map[string]int)
	for _, lp := range live {
		pool[exposureKey(lp.Symbol, lp.Side)] += lp.Quantity
	}

	var errs []error
	for _, pos := range c.book.List() {
		if pos.Status.Terminal() {
			continue
		}
		for _, i := range pos.FilledComponents() {
			leg := pos.Components[i]
			key := exposureKey(leg.Symbol, leg.Side)
			if pool[key] >= leg.Quantity {
				pool[key] -= leg.Quantity
				continue
			}
			detail := fmt.Sprintf("broker missing %dx %s %s recorded as filled", leg.Quantity, leg.Symbol, leg.Side)
			c.haltPosition(ctx, pos.ID, detail)
			errs = append(errs, &order.ReconciliationMismatch{PositionID: pos.ID, Detail: detail})
			break
		}
	}

	var orphans []string
	for key, qty := range pool {
		if qty > 0 {
			orphans = append(orphans, fmt.Sprintf("%dx %s", qty, key))
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		detail := fmt.Sprintf("broker holds exposure no position explains: %v", orphans)
		logger.Errorf("recovery: %s", detail)
		errs = append(errs, &order.ReconciliationMismatch{Detail: detail})
	}
	return errs
}

func (c *Core) haltPosition(ctx context.Context, id, detail string) {
	logger.Errorf("recovery: halting %s: %s", id, detail)
	m, err := c.book.Begin(id)
	if err != nil {
		logger.Errorf("recovery: halt %s: %v", id, err)
		return
	}
	pos := m.Position()
	pos.HaltReason = detail
	if err := m.To(types.StatusHalted); err != nil {
		m.Abort()
		logger.Errorf("recovery: halt %s: %v", id, err)
		return
	}
	m.Commit()
	if err := c.store.Save(ctx, pos); err != nil {
		logger.Errorf("recovery: persist halted %s: %v", id, err)
	}
}

func exposureKey(symbol string, side types.Side) string {
	return symbol + "|" + string(side)
}

func halted(pos *types.Position, ok bool) bool {
	return !ok || pos.Status == types.StatusHalted
}
