package config

import (
	"strings"
	"time"
)

const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppLogPath   = "/data/logs/talon.log"
	defaultAppHTTPAddr  = ":9985"
	defaultAppDatabase  = "/data/db/talon.db"
	defaultBrokerMode   = "paper"
	defaultSessionStart = "09:35"
	defaultSessionEnd   = "15:45"
	defaultExitRules    = "configs/exit_rules.yaml"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Admission.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Sizing.applyDefaults(keys)
	c.Orders.applyDefaults(keys)
	c.Exits.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.database_path", &a.DatabasePath, defaultAppDatabase),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		intFieldDefault("broker.failure_threshold", &b.FailureThreshold, 5),
		durationFieldDefault("broker.cooldown_period", &b.CooldownPeriod, time.Minute),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("session.start", &s.Start, defaultSessionStart),
		stringFieldDefault("session.end", &s.End, defaultSessionEnd),
	)
}

func (a *AdmissionConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("admission.vol_entry_threshold", &a.VolEntryThreshold, 22),
		floatFieldDefault("admission.max_spread_pct", &a.MaxSpreadPct, 0.10),
		intFieldDefault("admission.loss_streak_limit", &a.LossStreakLimit, 3),
		intFieldDefault("admission.cooloff_minutes", &a.CooloffMinutes, 30),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.initial_equity", &r.InitialEquity, 250_000),
	)
	if !keys.isSet("risk.phase_thresholds") && len(r.PhaseThresholds) == 0 {
		r.PhaseThresholds = []float64{100_000, 500_000, 1_000_000}
	}
}

func (s *SizingConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("sizing.kelly_fraction", &s.KellyFraction, 0.25),
		floatFieldDefault("sizing.min_floor", &s.MinFloor, 0.01),
		floatFieldDefault("sizing.max_cap", &s.MaxCap, 0.10),
		floatFieldDefault("sizing.margin_per_contract", &s.MarginPerContract, 5_000),
		floatFieldDefault("sizing.commission_per_contract", &s.CommissionPerContract, 1.30),
	)
}

func (o *OrdersConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("orders.fill_wait", &o.FillWait, 30*time.Second),
		intFieldDefault("orders.max_rollback_attempts", &o.MaxRollbackAttempts, 3),
		durationFieldDefault("orders.retry_backoff", &o.RetryBackoff, 500*time.Millisecond),
	)
}

func (e *ExitsConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exits.rules_path", &e.RulesPath, defaultExitRules),
		durationFieldDefault("exits.scan_interval", &e.ScanInterval, time.Minute),
		durationFieldDefault("exits.scan_offset", &e.ScanOffset, 0),
		boolFieldDefault("exits.run_immediately", &e.RunImmediately, true),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
