package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"talon/internal/types"
)

// LegScript controls how the paper broker treats orders on one symbol.
type LegScript struct {
	// NeverFill leaves the order working until the wait expires.
	NeverFill bool
	// RejectSubmit fails SubmitOrder outright.
	RejectSubmit bool
	// FillPrice overrides the limit price on the fill when non-zero.
	FillPrice float64
}

type paperOrder struct {
	req       OrderRequest
	filled    bool
	cancelled bool
	fill      Fill
}

// Paper is a deterministic in-memory broker used by tests and the sim
// entrypoint. Orders fill instantly at their limit price unless a script
// says otherwise.
type Paper struct {
	mu      sync.Mutex
	orders  map[string]*paperOrder
	scripts map[string]LegScript
	quotes  map[string]Quote
	live    []LivePosition
	account AccountSnapshot
	// Down simulates a connectivity outage: every call fails with
	// ErrUnavailable until cleared.
	down bool
}

func NewPaper() *Paper {
	return &Paper{
		orders:  make(map[string]*paperOrder),
		scripts: make(map[string]LegScript),
		quotes:  make(map[string]Quote),
		account: AccountSnapshot{Equity: 250_000, BuyingPower: 250_000},
	}
}

func (p *Paper) Script(symbol string, s LegScript) {
	p.mu.Lock()
	p.scripts[symbol] = s
	p.mu.Unlock()
}

func (p *Paper) SetQuote(symbol string, q Quote) {
	p.mu.Lock()
	p.quotes[symbol] = q
	p.mu.Unlock()
}

func (p *Paper) SetAccount(a AccountSnapshot) {
	p.mu.Lock()
	p.account = a
	p.mu.Unlock()
}

func (p *Paper) SetLivePositions(live []LivePosition) {
	p.mu.Lock()
	p.live = append([]LivePosition(nil), live...)
	p.mu.Unlock()
}

func (p *Paper) SetDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return ErrUnavailable
	}
	if req.OrderID == "" || req.Quantity <= 0 {
		return fmt.Errorf("paper: malformed order %+v", req)
	}
	if _, exists := p.orders[req.OrderID]; exists {
		// Idempotent resubmit.
		return nil
	}
	script := p.scripts[req.Symbol]
	if script.RejectSubmit {
		return fmt.Errorf("paper: submit rejected for %s", req.Symbol)
	}
	o := &paperOrder{req: req}
	if !script.NeverFill {
		price := req.LimitPrice
		if script.FillPrice != 0 {
			price = script.FillPrice
		}
		o.filled = true
		o.fill = Fill{OrderID: req.OrderID, Price: price, At: time.Now()}
	}
	p.orders[req.OrderID] = o
	return nil
}

func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return ErrUnavailable
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.filled {
		return ErrAlreadyFilled
	}
	o.cancelled = true
	return nil
}

func (p *Paper) AwaitFill(ctx context.Context, orderID string, wait time.Duration) (Fill, error) {
	deadline := time.Now().Add(wait)
	for {
		p.mu.Lock()
		down := p.down
		o, ok := p.orders[orderID]
		var fill Fill
		var filled, cancelled bool
		if ok {
			filled, cancelled, fill = o.filled, o.cancelled, o.fill
		}
		p.mu.Unlock()

		switch {
		case down:
			return Fill{}, ErrUnavailable
		case !ok:
			return Fill{}, ErrUnknownOrder
		case filled:
			return fill, nil
		case cancelled:
			return Fill{}, fmt.Errorf("paper: order %s cancelled", orderID)
		}
		if time.Now().After(deadline) {
			return Fill{}, ErrFillTimeout
		}
		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *Paper) Quote(_ context.Context, symbol string, _ time.Time, _ float64, _ types.InstrumentKind) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return Quote{}, ErrUnavailable
	}
	if q, ok := p.quotes[symbol]; ok {
		return q, nil
	}
	return Quote{Bid: 0.95, Ask: 1.05}, nil
}

func (p *Paper) Account(_ context.Context) (AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return AccountSnapshot{}, ErrUnavailable
	}
	return p.account, nil
}

func (p *Paper) LivePositions(_ context.Context) ([]LivePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, ErrUnavailable
	}
	return append([]LivePosition(nil), p.live...), nil
}

// FilledOrders exposes fill history for assertions in tests.
func (p *Paper) FilledOrders() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderRequest
	for _, o := range p.orders {
		if o.filled {
			out = append(out, o.req)
		}
	}
	return out
}

// StaticCalendar is the trivial Calendar used when no external calendar
// service is wired: a fixed set of blackout dates.
type StaticCalendar struct {
	Blackouts map[string]string // yyyy-mm-dd -> reason
}

func (c *StaticCalendar) IsBlackout(at time.Time) (bool, string) {
	if c == nil || len(c.Blackouts) == 0 {
		return false, ""
	}
	reason, ok := c.Blackouts[at.Format("2006-01-02")]
	return ok, reason
}
