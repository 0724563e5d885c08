package config

import (
	"fmt"
	"strings"
	"time"
)

func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Admission.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Sizing.validate(); err != nil {
		return err
	}
	if err := c.Calendar.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.TrimSpace(b.Mode) {
	case "paper":
		return nil
	default:
		return fmt.Errorf("broker.mode %q is not supported", b.Mode)
	}
}

func (s *SessionConfig) validate() error {
	start, err := parseClock(s.Start)
	if err != nil {
		return fmt.Errorf("session.start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return fmt.Errorf("session.end: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("session.end %s must be after session.start %s", s.End, s.Start)
	}
	return nil
}

func (a *AdmissionConfig) validate() error {
	if a.VolEntryThreshold < 0 {
		return fmt.Errorf("admission.vol_entry_threshold must be >= 0")
	}
	if a.MaxSpreadPct <= 0 || a.MaxSpreadPct >= 1 {
		return fmt.Errorf("admission.max_spread_pct must be in (0, 1)")
	}
	if a.LossStreakLimit < 1 {
		return fmt.Errorf("admission.loss_streak_limit must be >= 1")
	}
	if a.CooloffMinutes < 0 {
		return fmt.Errorf("admission.cooloff_minutes must be >= 0")
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	// An empty bands list falls back to the built-in table; band geometry
	// itself is checked when the classifier is constructed.
	for i, band := range r.Bands {
		if band.BPCap <= 0 || band.BPCap > 1 {
			return fmt.Errorf("regime.bands[%d].bp_cap must be in (0, 1]", i)
		}
		if strings.TrimSpace(band.Regime) == "" {
			return fmt.Errorf("regime.bands[%d].regime is required", i)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if len(r.Groups) == 0 {
		return fmt.Errorf("risk.groups requires at least one correlation group")
	}
	seen := make(map[string]bool)
	for i, g := range r.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("risk.groups[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("risk.groups: duplicate group %q", name)
		}
		seen[name] = true
		if g.BaseCapacity < 1 {
			return fmt.Errorf("risk.groups.%s.base_capacity must be >= 1", name)
		}
	}
	if len(r.PhaseThresholds) != 3 {
		return fmt.Errorf("risk.phase_thresholds requires exactly 3 levels")
	}
	for i := 1; i < len(r.PhaseThresholds); i++ {
		if r.PhaseThresholds[i] <= r.PhaseThresholds[i-1] {
			return fmt.Errorf("risk.phase_thresholds must be strictly increasing")
		}
	}
	if r.InitialEquity <= 0 {
		return fmt.Errorf("risk.initial_equity must be > 0")
	}
	return nil
}

func (s *SizingConfig) validate() error {
	if s.KellyFraction <= 0 || s.KellyFraction > 1 {
		return fmt.Errorf("sizing.kelly_fraction must be in (0, 1]")
	}
	if s.MinFloor < 0 || s.MaxCap <= 0 || s.MinFloor >= s.MaxCap {
		return fmt.Errorf("sizing floor/cap must satisfy 0 <= min_floor < max_cap")
	}
	if s.MarginPerContract <= 0 {
		return fmt.Errorf("sizing.margin_per_contract must be > 0")
	}
	if s.CommissionPerContract < 0 {
		return fmt.Errorf("sizing.commission_per_contract must be >= 0")
	}
	return nil
}

func (c *CalendarConfig) validate() error {
	for date := range c.Blackouts {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("calendar.blackouts: bad date %q", date)
		}
	}
	return nil
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t, nil
}
