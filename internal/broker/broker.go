// Package broker defines the narrow interfaces through which the engine
// consumes its external collaborators: order primitives, quotes, account
// snapshots and the blackout calendar. Real broker sessions live behind
// these interfaces and are not implemented here.
package broker

import (
	"context"
	"errors"
	"time"

	"talon/internal/types"
)

var (
	// ErrUnavailable marks transient broker connectivity loss. Callers
	// suspend progress for the affected positions and retry with bounded
	// backoff; they never abandon position state.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrFillTimeout means an order did not fill within its bounded wait.
	ErrFillTimeout = errors.New("fill wait expired")
	// ErrUnknownOrder is returned for cancel/await on an id the broker
	// never saw.
	ErrUnknownOrder = errors.New("unknown order id")
	// ErrAlreadyFilled is returned by CancelOrder when the order filled
	// before the cancel landed. The caller owns live exposure and must
	// flatten it; treating the cancel as successful would abandon it.
	ErrAlreadyFilled = errors.New("order already filled")
)

// OrderRequest carries a client-supplied id so resubmission after a retry
// stays idempotent on the broker side.
type OrderRequest struct {
	OrderID    string
	Symbol     string
	Kind       types.InstrumentKind
	Strike     float64
	Expiry     time.Time
	Side       types.Side
	Quantity   int
	LimitPrice float64
}

type Fill struct {
	OrderID string
	Price   float64
	At      time.Time
}

type Quote struct {
	Bid    float64
	Ask    float64
	Greeks types.Greeks
}

func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// SpreadPct is the relative bid/ask spread used by the liquidity gate.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 1
	}
	return (q.Ask - q.Bid) / mid
}

type AccountSnapshot struct {
	Equity      float64
	BuyingPower float64
}

// LivePosition is the broker's view of one held leg, used only for the
// restart reconciliation pass.
type LivePosition struct {
	Symbol   string
	Kind     types.InstrumentKind
	Strike   float64
	Expiry   time.Time
	Side     types.Side
	Quantity int
}

type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) error
	// CancelOrder fails with ErrAlreadyFilled if the order filled first;
	// a nil return guarantees the order holds no exposure.
	CancelOrder(ctx context.Context, orderID string) error
	// AwaitFill blocks until the order fills, the wait window expires
	// (ErrFillTimeout) or ctx is cancelled. The wait is always bounded.
	AwaitFill(ctx context.Context, orderID string, wait time.Duration) (Fill, error)
	Quote(ctx context.Context, symbol string, expiry time.Time, strike float64, kind types.InstrumentKind) (Quote, error)
	Account(ctx context.Context) (AccountSnapshot, error)
	LivePositions(ctx context.Context) ([]LivePosition, error)
}

// Calendar answers holiday / earnings / macro-event blackout queries.
type Calendar interface {
	IsBlackout(at time.Time) (bool, string)
}
