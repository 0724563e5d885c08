// Package order submits and reconciles multi-leg orders. The coordinator
// owns the only code path that moves a position between Submitting and a
// resolved state, and guarantees a position never stays partially open:
// every submit ends in Open, RolledBack or (after exhausted retries) Halted.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"talon/internal/broker"
	"talon/internal/logger"
	"talon/internal/pkg/circuit"
	"talon/internal/position"
	"talon/internal/risk"
	"talon/internal/types"
)

// Store persists position snapshots on every lifecycle transition.
type Store interface {
	Save(ctx context.Context, p *types.Position) error
}

type Config struct {
	// FillWait bounds how long one leg may stay working before the whole
	// structure is abandoned and rolled back.
	FillWait time.Duration `mapstructure:"fill_wait"`
	// MaxRollbackAttempts bounds the compensation loop; exhausting it
	// halts the position instead of retrying forever.
	MaxRollbackAttempts int           `mapstructure:"max_rollback_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
}

func (c Config) withDefaults() Config {
	if c.FillWait <= 0 {
		c.FillWait = 30 * time.Second
	}
	if c.MaxRollbackAttempts <= 0 {
		c.MaxRollbackAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

type Coordinator struct {
	cfg     Config
	brk     broker.Broker
	book    *position.Book
	ledger  *risk.Ledger
	breaker *circuit.Breaker
	store   Store
}

func NewCoordinator(cfg Config, brk broker.Broker, book *position.Book, ledger *risk.Ledger, breaker *circuit.Breaker, store Store) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		brk:     brk,
		book:    book,
		ledger:  ledger,
		breaker: breaker,
		store:   store,
	}
}

type legResult struct {
	fill broker.Fill
	err  error
}

// Open submits every leg of the position and resolves the outcome. It holds
// the position's single transition slot for the whole operation and returns
// the final snapshot; only mechanical failures or a failed rollback return
// an error.
func (c *Coordinator) Open(ctx context.Context, id string) (*types.Position, error) {
	m, err := c.book.Begin(id)
	if err != nil {
		return nil, err
	}
	pos := m.Position()
	if err := m.To(types.StatusSubmitting); err != nil {
		m.Abort()
		return nil, err
	}
	for i := range pos.Components {
		comp := &pos.Components[i]
		comp.OrderID = uuid.NewString()
		comp.FillStatus = types.FillWorking
	}
	m.Checkpoint()
	c.persist(ctx, pos)

	results := c.submitLegs(ctx, pos)

	filled, unfilled := 0, 0
	for i := range pos.Components {
		comp := &pos.Components[i]
		r := results[i]
		if r.err == nil {
			comp.FillStatus = types.FillFilled
			comp.FillPrice = r.fill.Price
			comp.FilledAt = r.fill.At
			filled++
		} else {
			unfilled++
		}
	}

	if unfilled == 0 {
		pos.OpenedAt = time.Now()
		if err := m.To(types.StatusOpen); err != nil {
			m.Abort()
			return nil, err
		}
		if err := c.ledger.Commit(risk.Token(pos.ReservationToken), pos.ID); err != nil {
			logger.Errorf("coordinator: commit reservation for %s: %v", pos.ID, err)
		}
		m.Commit()
		c.persist(ctx, pos)
		logger.Infow("position opened", "id", pos.ID, "strategy", pos.Strategy, "legs", len(pos.Components))
		return pos.Clone(), nil
	}

	pfe := &PartialFillError{PositionID: pos.ID, Filled: filled, Unfilled: unfilled}
	logger.Warnf("coordinator: %v, rolling back", pfe)

	if filled > 0 {
		if err := m.To(types.StatusPartiallyFilled); err != nil {
			m.Abort()
			return nil, err
		}
		m.Checkpoint()
		c.persist(ctx, pos)
	}
	if err := m.To(types.StatusResolving); err != nil {
		m.Abort()
		return nil, err
	}
	m.Checkpoint()

	if err := c.rollback(ctx, pos); err != nil {
		pos.HaltReason = err.Error()
		_ = m.To(types.StatusHalted)
		m.Commit()
		c.persist(ctx, pos)
		return pos.Clone(), err
	}

	if err := m.To(types.StatusRolledBack); err != nil {
		m.Abort()
		return nil, err
	}
	pos.ClosedAt = time.Now()
	c.ledger.Release(risk.Token(pos.ReservationToken))
	m.Commit()
	c.persist(ctx, pos)
	logger.Infow("position rolled back flat", "id", pos.ID, "filled_legs", filled)
	return pos.Clone(), nil
}

// submitLegs pushes every leg to the broker in parallel and waits out each
// leg's bounded fill window. Result slots are indexed per leg, so the
// goroutines never share memory.
func (c *Coordinator) submitLegs(ctx context.Context, pos *types.Position) []legResult {
	results := make([]legResult, len(pos.Components))
	g, gctx := errgroup.WithContext(ctx)
	for i := range pos.Components {
		i := i
		comp := pos.Components[i]
		g.Go(func() error {
			req := broker.OrderRequest{
				OrderID:    comp.OrderID,
				Symbol:     comp.Symbol,
				Kind:       comp.Kind,
				Strike:     comp.Strike,
				Expiry:     comp.Expiry,
				Side:       comp.Side,
				Quantity:   comp.Quantity,
				LimitPrice: comp.LimitPrice,
			}
			allowed, err := c.breaker.Do(func() error { return c.brk.SubmitOrder(gctx, req) })
			if !allowed {
				results[i] = legResult{err: broker.ErrUnavailable}
				return nil
			}
			if err != nil {
				results[i] = legResult{err: err}
				return nil
			}
			fill, err := c.brk.AwaitFill(gctx, comp.OrderID, c.cfg.FillWait)
			results[i] = legResult{fill: fill, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// rollback returns the position to net flat: working legs are cancelled,
// filled legs are compensated with opposite-side orders. Passes are
// idempotent (a retry skips legs already cancelled or compensated) and
// bounded by MaxRollbackAttempts.
func (c *Coordinator) rollback(ctx context.Context, pos *types.Position) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRollbackAttempts; attempt++ {
		lastErr = c.rollbackPass(ctx, pos)
		if lastErr == nil {
			return nil
		}
		logger.Warnf("coordinator: rollback pass %d/%d for %s failed: %v",
			attempt, c.cfg.MaxRollbackAttempts, pos.ID, lastErr)
		if !c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryBackoff) {
			break
		}
	}
	return &ReconciliationMismatch{
		PositionID: pos.ID,
		Detail:     fmt.Sprintf("rollback exhausted after %d attempts: %v", c.cfg.MaxRollbackAttempts, lastErr),
	}
}

func (c *Coordinator) rollbackPass(ctx context.Context, pos *types.Position) error {
	for i := range pos.Components {
		comp := &pos.Components[i]
		switch comp.FillStatus {
		case types.FillWorking:
			// A Working leg's true state is unknown: the fill wait may
			// have errored after the broker filled it. Only a confirmed
			// cancel proves the leg is flat.
			err := c.brk.CancelOrder(ctx, comp.OrderID)
			switch {
			case errors.Is(err, broker.ErrAlreadyFilled):
				fill, ferr := c.brk.AwaitFill(ctx, comp.OrderID, c.cfg.FillWait)
				if ferr != nil {
					return fmt.Errorf("confirm fill %s: %w", comp.Symbol, ferr)
				}
				comp.FillStatus = types.FillFilled
				comp.FillPrice = fill.Price
				comp.FilledAt = fill.At
				if err := c.compensate(ctx, comp); err != nil {
					return err
				}
			case err != nil && !errors.Is(err, broker.ErrUnknownOrder):
				return fmt.Errorf("cancel %s: %w", comp.Symbol, err)
			default:
				comp.FillStatus = types.FillCancelled
			}
		case types.FillFilled:
			if err := c.compensate(ctx, comp); err != nil {
				return err
			}
		}
	}
	return nil
}

// compensate flattens one filled leg. The compensating order id is stored
// on the component before submission, so a retried pass re-awaits the same
// order instead of doubling the exposure.
func (c *Coordinator) compensate(ctx context.Context, comp *types.Component) error {
	if comp.CompOrderID == "" {
		comp.CompOrderID = uuid.NewString()
	}
	req := broker.OrderRequest{
		OrderID:    comp.CompOrderID,
		Symbol:     comp.Symbol,
		Kind:       comp.Kind,
		Strike:     comp.Strike,
		Expiry:     comp.Expiry,
		Side:       comp.Side.Opposite(),
		Quantity:   comp.Quantity,
		LimitPrice: comp.FillPrice,
	}
	allowed, err := c.breaker.Do(func() error { return c.brk.SubmitOrder(ctx, req) })
	if !allowed {
		return fmt.Errorf("compensate %s: %w", comp.Symbol, broker.ErrUnavailable)
	}
	if err != nil {
		return fmt.Errorf("compensate %s: %w", comp.Symbol, err)
	}
	if _, err := c.brk.AwaitFill(ctx, comp.CompOrderID, c.cfg.FillWait); err != nil {
		return fmt.Errorf("compensate fill %s: %w", comp.Symbol, err)
	}
	comp.FillStatus = types.FillRolledBack
	return nil
}

// Close flattens an open position. Re-entering a position already in
// Closing resumes where the previous attempt stopped.
func (c *Coordinator) Close(ctx context.Context, id, reason string) (*types.Position, error) {
	m, err := c.book.Begin(id)
	if err != nil {
		return nil, err
	}
	pos := m.Position()
	if pos.Status != types.StatusClosing {
		if err := m.To(types.StatusClosing); err != nil {
			m.Abort()
			return nil, err
		}
		m.Checkpoint()
		c.persist(ctx, pos)
	}

	if err := c.rollback(ctx, pos); err != nil {
		pos.HaltReason = err.Error()
		_ = m.To(types.StatusHalted)
		m.Commit()
		c.persist(ctx, pos)
		return pos.Clone(), err
	}

	if err := m.To(types.StatusClosed); err != nil {
		m.Abort()
		return nil, err
	}
	pos.ClosedAt = time.Now()
	c.ledger.Release(risk.Token(pos.ReservationToken))
	m.Commit()
	c.persist(ctx, pos)
	logger.Infow("position closed", "id", pos.ID, "reason", reason)
	return pos.Clone(), nil
}

// Roll closes the position and reports it as rolled; re-entry with fresh
// strikes is the strategy layer's move, subject to a fresh admission.
func (c *Coordinator) Roll(ctx context.Context, id, reason string) (*types.Position, error) {
	m, err := c.book.Begin(id)
	if err != nil {
		return nil, err
	}
	if m.Position().Status != types.StatusRollingLeg && m.Position().Status != types.StatusClosing {
		if err := m.To(types.StatusRollingLeg); err != nil {
			m.Abort()
			return nil, err
		}
	}
	m.Commit()
	c.persist(ctx, m.Position())
	return c.Close(ctx, id, reason)
}

// Resolve finishes an open that a crash interrupted. The position was left
// in Submitting, PartiallyFilled or Resolving with its order ids already
// persisted; the only safe outcome is to flatten whatever filled and release
// the reservation.
func (c *Coordinator) Resolve(ctx context.Context, id string) (*types.Position, error) {
	m, err := c.book.Begin(id)
	if err != nil {
		return nil, err
	}
	pos := m.Position()
	if pos.Status != types.StatusResolving {
		if err := m.To(types.StatusResolving); err != nil {
			m.Abort()
			return nil, err
		}
		m.Checkpoint()
		c.persist(ctx, pos)
	}

	if err := c.rollback(ctx, pos); err != nil {
		pos.HaltReason = err.Error()
		_ = m.To(types.StatusHalted)
		m.Commit()
		c.persist(ctx, pos)
		return pos.Clone(), err
	}

	if err := m.To(types.StatusRolledBack); err != nil {
		m.Abort()
		return nil, err
	}
	pos.ClosedAt = time.Now()
	c.ledger.Release(risk.Token(pos.ReservationToken))
	m.Commit()
	c.persist(ctx, pos)
	logger.Infow("interrupted open resolved flat", "id", pos.ID)
	return pos.Clone(), nil
}

// Defend marks a position as under defensive management. The actual
// adjustment orders are strategy-specific and flow through Close/Roll.
func (c *Coordinator) Defend(ctx context.Context, id, reason string) error {
	m, err := c.book.Begin(id)
	if err != nil {
		return err
	}
	if m.Position().Status == types.StatusDefending {
		m.Abort()
		return nil
	}
	if err := m.To(types.StatusDefending); err != nil {
		m.Abort()
		return err
	}
	m.Commit()
	c.persist(ctx, m.Position())
	logger.Infow("position defending", "id", id, "reason", reason)
	return nil
}

func (c *Coordinator) persist(ctx context.Context, pos *types.Position) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, pos); err != nil {
		logger.Errorf("coordinator: persist %s: %v", pos.ID, err)
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
