package types

import (
	"math"
	"time"
)

// PositionStatus is the lifecycle state of a multi-leg position. Transitions
// are validated by the position book; nothing mutates status directly.
type PositionStatus string

const (
	StatusProposed        PositionStatus = "proposed"
	StatusSubmitting      PositionStatus = "submitting"
	StatusPartiallyFilled PositionStatus = "partially_filled"
	StatusResolving       PositionStatus = "resolving"
	StatusOpen            PositionStatus = "open"
	StatusDefending       PositionStatus = "defending"
	StatusRollingLeg      PositionStatus = "rolling_leg"
	StatusClosing         PositionStatus = "closing"
	StatusClosed          PositionStatus = "closed"
	StatusRejected        PositionStatus = "rejected"
	StatusRolledBack      PositionStatus = "rolled_back"
	StatusHalted          PositionStatus = "halted"
)

// Terminal reports whether no further automated transition may occur.
// Halted is terminal for automation: only an operator can move it.
func (s PositionStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusRejected, StatusRolledBack, StatusHalted:
		return true
	default:
		return false
	}
}

type InstrumentKind string

const (
	KindPut    InstrumentKind = "put"
	KindCall   InstrumentKind = "call"
	KindFuture InstrumentKind = "future"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the compensating side used when rolling back or closing
// an already-filled leg.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type FillStatus string

const (
	FillUnsubmitted FillStatus = "unsubmitted"
	FillWorking     FillStatus = "working"
	FillFilled      FillStatus = "filled"
	FillCancelled   FillStatus = "cancelled"
	FillRolledBack  FillStatus = "rolled_back"
)

// Component is a single leg of a position.
type Component struct {
	Symbol     string         `json:"symbol"`
	Kind       InstrumentKind `json:"kind"`
	Strike     float64        `json:"strike,omitempty"`
	Expiry     time.Time      `json:"expiry"`
	Side       Side           `json:"side"`
	Quantity   int            `json:"quantity"`
	LimitPrice float64        `json:"limit_price"`
	FillStatus FillStatus     `json:"fill_status"`
	FillPrice  float64        `json:"fill_price,omitempty"`
	FilledAt   time.Time      `json:"filled_at,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	// CompOrderID records the compensating order submitted during rollback
	// or close, so retries never double-compensate a leg.
	CompOrderID string `json:"comp_order_id,omitempty"`
}

// Greeks holds the cached aggregate greeks of a position.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Position is the unit tracked by the book, the ledger (by id only) and the
// durable store.
type Position struct {
	ID            string         `json:"id"`
	Strategy      string         `json:"strategy"`
	Group         string         `json:"group"`
	Phase         Phase          `json:"phase"`
	Status        PositionStatus `json:"status"`
	Components    []Component    `json:"components"`
	OpenedAt      time.Time      `json:"opened_at,omitempty"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
	OpeningCredit float64        `json:"opening_credit"`
	Greeks        Greeks         `json:"greeks"`
	// ReservationToken ties the position to its correlation slot. The
	// ledger stores ids and tokens, never *Position, so there is no
	// ownership cycle between the two.
	ReservationToken string  `json:"reservation_token,omitempty"`
	CapitalReserved  float64 `json:"capital_reserved,omitempty"`
	HaltReason       string  `json:"halt_reason,omitempty"`
}

// MinDTE returns the minimum whole days to expiry across expiring legs.
// A position with no expiring legs reports a large sentinel so DTE rules
// never fire for it.
func (p *Position) MinDTE(now time.Time) int {
	min := math.MaxInt32
	for i := range p.Components {
		c := &p.Components[i]
		if c.Expiry.IsZero() {
			continue
		}
		dte := int(c.Expiry.Sub(now).Hours() / 24)
		if dte < min {
			min = dte
		}
	}
	return min
}

// FilledComponents returns indexes of legs currently holding exposure.
func (p *Position) FilledComponents() []int {
	var idx []int
	for i := range p.Components {
		if p.Components[i].FillStatus == FillFilled {
			idx = append(idx, i)
		}
	}
	return idx
}

// NetFlat reports whether no leg holds live exposure.
func (p *Position) NetFlat() bool {
	return len(p.FilledComponents()) == 0
}

// Clone returns a deep copy safe to hand outside the book mutex.
func (p *Position) Clone() *Position {
	cp := *p
	cp.Components = make([]Component, len(p.Components))
	copy(cp.Components, p.Components)
	return &cp
}
