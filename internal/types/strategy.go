package types

// Phase is the account growth phase (1..4). Correlation capacity and
// strategy eligibility scale with it.
type Phase int

const (
	Phase1 Phase = 1
	Phase2 Phase = 2
	Phase3 Phase = 3
	Phase4 Phase = 4
)

func (p Phase) Valid() bool { return p >= Phase1 && p <= Phase4 }

// PerformanceStats feed the Kelly sizer. AvgWin/AvgLoss are per-contract
// dollar magnitudes, both positive.
type PerformanceStats struct {
	WinRate float64 `json:"win_rate"`
	AvgWin  float64 `json:"avg_win"`
	AvgLoss float64 `json:"avg_loss"`
}

// StrategyProfile is the capability contract every strategy flavor
// implements once and the admission/exit layers consume uniformly.
type StrategyProfile struct {
	ID       string           `json:"id"`
	Group    string           `json:"group"`
	Stats    PerformanceStats `json:"stats"`
	MinPhase Phase            `json:"min_phase"`
}

// ExitAction is what the exit evaluator tells the coordinator to do.
type ExitAction string

const (
	ActionHold   ExitAction = "hold"
	ActionClose  ExitAction = "close"
	ActionRoll   ExitAction = "roll"
	ActionDefend ExitAction = "defend"
)

// ExitDecision is emitted by the exit evaluator and consumed by the engine.
type ExitDecision struct {
	PositionID string     `json:"position_id"`
	Action     ExitAction `json:"action"`
	Reason     string     `json:"reason"`
	// PnLPct is the unrealized P&L as a fraction of the opening credit at
	// the moment the decision was made. Positive means profit.
	PnLPct float64 `json:"pnl_pct"`
}
