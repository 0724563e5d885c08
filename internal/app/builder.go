package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"talon/internal/admission"
	"talon/internal/broker"
	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/exiteval"
	"talon/internal/exitrule"
	"talon/internal/order"
	"talon/internal/pkg/circuit"
	"talon/internal/position"
	"talon/internal/regime"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/store/gormstore"
	httpapi "talon/internal/transport/http"
)

// Builder constructs the full dependency graph from configuration. Broker
// and store constructors can be overridden by test harnesses.
type Builder struct {
	cfg *config.Config

	brokerFn func(*config.Config) (broker.Broker, error)
	storeFn  func(*config.Config) (*gormstore.Store, error)
}

type BuilderOption func(*Builder)

// WithBroker swaps the broker constructor.
func WithBroker(fn func(*config.Config) (broker.Broker, error)) BuilderOption {
	return func(b *Builder) { b.brokerFn = fn }
}

func NewBuilder(cfg *config.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:      cfg,
		brokerFn: buildBroker,
		storeFn:  buildStore,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	classifier, err := buildClassifier(cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("regime classifier: %w", err)
	}
	sizer, err := sizing.NewSizer(sizing.Config{
		KellyFraction:         cfg.Sizing.KellyFraction,
		MinFloor:              cfg.Sizing.MinFloor,
		MaxCap:                cfg.Sizing.MaxCap,
		MarginPerContract:     cfg.Sizing.MarginPerContract,
		CommissionPerContract: cfg.Sizing.CommissionPerContract,
	})
	if err != nil {
		return nil, fmt.Errorf("sizer: %w", err)
	}

	groups := make([]risk.GroupConfig, len(cfg.Risk.Groups))
	for i, g := range cfg.Risk.Groups {
		groups[i] = risk.GroupConfig{Name: g.Name, Symbols: g.Symbols, BaseCapacity: g.BaseCapacity}
	}
	ledger := risk.NewLedger(groups, cfg.Risk.InitialEquity)

	phases, err := engine.NewPhaseTracker(
		[3]float64{cfg.Risk.PhaseThresholds[0], cfg.Risk.PhaseThresholds[1], cfg.Risk.PhaseThresholds[2]},
		cfg.Risk.InitialEquity,
	)
	if err != nil {
		return nil, fmt.Errorf("phase tracker: %w", err)
	}

	brk, err := b.brokerFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	store, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	breaker := circuit.NewBreaker("broker", cfg.Broker.FailureThreshold, cfg.Broker.CooldownPeriod)
	drawdown := admission.NewDrawdownTracker(
		cfg.Admission.LossStreakLimit,
		time.Duration(cfg.Admission.CooloffMinutes)*time.Minute,
	)
	calendar := &broker.StaticCalendar{Blackouts: cfg.Calendar.Blackouts}

	ctrl := admission.NewController(admission.Config{
		SessionStart:      cfg.Session.Start,
		SessionEnd:        cfg.Session.End,
		VolEntryThreshold: cfg.Admission.VolEntryThreshold,
		MaxSpreadPct:      cfg.Admission.MaxSpreadPct,
		LossStreakLimit:   cfg.Admission.LossStreakLimit,
		CooloffMinutes:    cfg.Admission.CooloffMinutes,
	}, classifier, ledger, sizer, brk, calendar, breaker, drawdown, phases.Current)

	book := position.NewBook()
	coord := order.NewCoordinator(order.Config{
		FillWait:            cfg.Orders.FillWait,
		MaxRollbackAttempts: cfg.Orders.MaxRollbackAttempts,
		RetryBackoff:        cfg.Orders.RetryBackoff,
	}, brk, book, ledger, breaker, store)

	rules, err := exitrule.NewRegistry(cfg.Exits.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("exit rules: %w", err)
	}
	eval := exiteval.NewEvaluator(book, brk, rules)

	core := engine.NewCore(ctrl, coord, eval, book, ledger, store, brk, drawdown, phases)

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:  cfg.App.HTTPAddr,
		Core:  core,
		Rules: rules,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	return &App{cfg: cfg, core: core, rules: rules, store: store, http: httpSrv}, nil
}

func buildClassifier(cfg config.RegimeConfig) (*regime.Classifier, error) {
	if len(cfg.Bands) == 0 {
		return regime.NewClassifier(regime.DefaultBands())
	}
	bands := make([]regime.Band, len(cfg.Bands))
	for i, b := range cfg.Bands {
		hi := b.Hi
		if hi == 0 && i == len(cfg.Bands)-1 {
			hi = math.Inf(1)
		}
		bands[i] = regime.Band{Lo: b.Lo, Hi: hi, Regime: regime.Regime(b.Regime), BPCap: b.BPCap}
	}
	return regime.NewClassifier(bands)
}

func buildBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Mode {
	case "paper":
		return broker.NewPaper(), nil
	default:
		return nil, fmt.Errorf("unsupported broker mode %q", cfg.Broker.Mode)
	}
}

func buildStore(cfg *config.Config) (*gormstore.Store, error) {
	return gormstore.New(cfg.App.DatabasePath)
}

// appBuilderDeps is the seam wire injects through.
type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppBuilder(cfg *config.Config) *Builder {
	return NewBuilder(cfg)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}
