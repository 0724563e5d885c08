package config

import (
	"strings"
	"time"
)

// Config is the root of the YAML configuration tree.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Session   SessionConfig   `mapstructure:"session"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Regime    RegimeConfig    `mapstructure:"regime"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Exits     ExitsConfig     `mapstructure:"exits"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
}

type AppConfig struct {
	Env          string `mapstructure:"env"`
	LogLevel     string `mapstructure:"log_level"`
	LogPath      string `mapstructure:"log_path"`
	HTTPAddr     string `mapstructure:"http_addr"`
	DatabasePath string `mapstructure:"database_path"`
}

type BrokerConfig struct {
	// Mode selects the broker adapter. Only "paper" ships today; the
	// interface boundary is where a live adapter plugs in.
	Mode             string        `mapstructure:"mode"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
}

type SessionConfig struct {
	Start string `mapstructure:"start"` // "09:35", exchange-local
	End   string `mapstructure:"end"`   // "15:45"
}

type AdmissionConfig struct {
	// VolEntryThreshold admits only strictly above this level; a reading
	// exactly at the threshold rejects.
	VolEntryThreshold float64 `mapstructure:"vol_entry_threshold"`
	MaxSpreadPct      float64 `mapstructure:"max_spread_pct"`
	LossStreakLimit   int     `mapstructure:"loss_streak_limit"`
	CooloffMinutes    int     `mapstructure:"cooloff_minutes"`
}

// BandConfig is one volatility band. Lo is inclusive, Hi exclusive; the
// last band may leave Hi at 0 to mean unbounded.
type BandConfig struct {
	Lo     float64 `mapstructure:"lo"`
	Hi     float64 `mapstructure:"hi"`
	Regime string  `mapstructure:"regime"`
	BPCap  float64 `mapstructure:"bp_cap"`
}

type RegimeConfig struct {
	Bands []BandConfig `mapstructure:"bands"`
}

type GroupConfig struct {
	Name         string   `mapstructure:"name"`
	Symbols      []string `mapstructure:"symbols"`
	BaseCapacity int      `mapstructure:"base_capacity"`
}

type RiskConfig struct {
	Groups []GroupConfig `mapstructure:"groups"`
	// PhaseThresholds are the equity levels unlocking phases 2, 3 and 4.
	PhaseThresholds []float64 `mapstructure:"phase_thresholds"`
	InitialEquity   float64   `mapstructure:"initial_equity"`
}

type SizingConfig struct {
	KellyFraction         float64 `mapstructure:"kelly_fraction"`
	MinFloor              float64 `mapstructure:"min_floor"`
	MaxCap                float64 `mapstructure:"max_cap"`
	MarginPerContract     float64 `mapstructure:"margin_per_contract"`
	CommissionPerContract float64 `mapstructure:"commission_per_contract"`
}

type OrdersConfig struct {
	FillWait            time.Duration `mapstructure:"fill_wait"`
	MaxRollbackAttempts int           `mapstructure:"max_rollback_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
}

type ExitsConfig struct {
	RulesPath      string        `mapstructure:"rules_path"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	ScanOffset     time.Duration `mapstructure:"scan_offset"`
	RunImmediately bool          `mapstructure:"run_immediately"`
}

type CalendarConfig struct {
	// Blackouts maps yyyy-mm-dd dates to a reason (FOMC, CPI, holiday).
	Blackouts map[string]string `mapstructure:"blackouts"`
}

// keySet tracks which field paths the files set explicitly, so defaults
// never clobber a deliberate zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one default-application rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
