package engine

import (
	"context"
	"testing"
	"time"

	"talon/internal/broker"
	"talon/internal/order"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persistedStrangle builds the row a crash would leave behind: a two-leg
// short strangle with both legs filled, unless trimmed by the caller.
func persistedStrangle(id string, status types.PositionStatus) *types.Position {
	expiry := time.Now().AddDate(0, 0, 45)
	return &types.Position{
		ID:               id,
		Strategy:         "short-strangle",
		Group:            "equity-index",
		Phase:            types.Phase2,
		Status:           status,
		OpeningCredit:    4.08,
		CapitalReserved:  10_000,
		ReservationToken: "tok-stale-" + id,
		OpenedAt:         time.Now().Add(-24 * time.Hour),
		Components: []types.Component{
			{Symbol: "SPX-P", Kind: types.KindPut, Strike: 5600, Expiry: expiry, Side: types.SideShort, Quantity: 2, LimitPrice: 1.02, FillStatus: types.FillFilled, FillPrice: 1.02, OrderID: "ord-p-" + id},
			{Symbol: "SPX-C", Kind: types.KindCall, Strike: 6200, Expiry: expiry, Side: types.SideShort, Quantity: 2, LimitPrice: 1.02, FillStatus: types.FillFilled, FillPrice: 1.02, OrderID: "ord-c-" + id},
		},
	}
}

func liveFor(pos *types.Position) []broker.LivePosition {
	var out []broker.LivePosition
	for _, i := range pos.FilledComponents() {
		c := pos.Components[i]
		out = append(out, broker.LivePosition{
			Symbol: c.Symbol, Kind: c.Kind, Strike: c.Strike,
			Expiry: c.Expiry, Side: c.Side, Quantity: c.Quantity,
		})
	}
	return out
}

func TestRecoverRestoresBookAndLedger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := persistedStrangle("POS-1", types.StatusOpen)
	require.NoError(t, e.store.Save(ctx, pos))
	e.paper.SetLivePositions(liveFor(pos))

	require.NoError(t, e.core.Recover(ctx))

	got, ok := e.core.PositionSnapshot("POS-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusOpen, got.Status)
	// A fresh reservation replaces the stale pre-crash token.
	assert.NotEmpty(t, got.ReservationToken)
	assert.NotEqual(t, pos.ReservationToken, got.ReservationToken)

	groups, reserved, _ := e.ledger.Stats(types.Phase2)
	assert.Equal(t, 1, groups[0].Count)
	assert.Equal(t, 10_000.0, reserved)
}

func TestRecoverHaltsOnMissingExposure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := persistedStrangle("POS-1", types.StatusOpen)
	require.NoError(t, e.store.Save(ctx, pos))
	// Broker reports nothing: the book's exposure cannot be trusted.

	err := e.core.Recover(ctx)
	var mismatch *order.ReconciliationMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "POS-1", mismatch.PositionID)

	got, ok := e.core.PositionSnapshot("POS-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusHalted, got.Status)
	assert.Contains(t, got.HaltReason, "broker missing")

	saved, err := e.store.Load(ctx, "POS-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusHalted, saved.Status)
}

func TestRecoverReportsOrphanExposure(t *testing.T) {
	e := newEnv(t)
	e.paper.SetLivePositions([]broker.LivePosition{
		{Symbol: "NDX-P", Kind: types.KindPut, Side: types.SideShort, Quantity: 3},
	})

	err := e.core.Recover(context.Background())
	var mismatch *order.ReconciliationMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Empty(t, mismatch.PositionID)
	assert.Contains(t, mismatch.Detail, "NDX-P")
}

func TestRecoverResumesInterruptedClose(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := persistedStrangle("POS-1", types.StatusClosing)
	// The put was already compensated before the crash.
	pos.Components[0].FillStatus = types.FillRolledBack
	pos.Components[0].CompOrderID = "comp-done"
	require.NoError(t, e.store.Save(ctx, pos))
	e.paper.SetLivePositions(liveFor(pos)) // only the call remains live

	require.NoError(t, e.core.Recover(ctx))

	got, ok := e.core.PositionSnapshot("POS-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.True(t, got.NetFlat())

	// Exactly one compensating buy: the call. The put is not re-flattened.
	fills := e.paper.FilledOrders()
	require.Len(t, fills, 1)
	assert.Equal(t, "SPX-C", fills[0].Symbol)
	assert.Equal(t, types.SideLong, fills[0].Side)

	_, reserved, _ := e.ledger.Stats(types.Phase2)
	assert.Zero(t, reserved)
}

func TestRecoverResolvesInterruptedOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := persistedStrangle("POS-1", types.StatusSubmitting)
	// The call never filled before the crash.
	pos.Components[1].FillStatus = types.FillWorking
	require.NoError(t, e.store.Save(ctx, pos))
	e.paper.SetLivePositions(liveFor(pos)) // only the put is live

	require.NoError(t, e.core.Recover(ctx))

	got, ok := e.core.PositionSnapshot("POS-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRolledBack, got.Status)
	assert.True(t, got.NetFlat())
	assert.Equal(t, types.FillCancelled, got.Components[1].FillStatus)

	_, reserved, _ := e.ledger.Stats(types.Phase2)
	assert.Zero(t, reserved)
}

func TestRecoverSkipsResumeForHaltedPositions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := persistedStrangle("POS-1", types.StatusClosing)
	require.NoError(t, e.store.Save(ctx, pos))
	// No live exposure: reconciliation halts the position before resume.

	err := e.core.Recover(ctx)
	require.Error(t, err)

	got, ok := e.core.PositionSnapshot("POS-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusHalted, got.Status)
	// No close was attempted after the halt.
	assert.Empty(t, e.paper.FilledOrders())
}
