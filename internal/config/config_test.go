package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `app:
  env: test
  http_addr: ":9985"
risk:
  groups:
    - name: equity-index
      symbols: [SPX, ES]
      base_capacity: 3
    - name: energy
      symbols: [CL]
      base_capacity: 2
  phase_thresholds: [100000, 500000, 1000000]
  initial_equity: 250000
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, "09:35", cfg.Session.Start)
	assert.Equal(t, 22.0, cfg.Admission.VolEntryThreshold)
	assert.Equal(t, 30*time.Second, cfg.Orders.FillWait)
	assert.Equal(t, time.Minute, cfg.Exits.ScanInterval)
	assert.True(t, cfg.Exits.RunImmediately)
	require.Len(t, cfg.Risk.Groups, 2)
	assert.Equal(t, []string{"SPX", "ES"}, cfg.Risk.Groups[0].Symbols)
}

func TestLoadParsesDurations(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML+`orders:
  fill_wait: 45s
  retry_backoff: 250ms
exits:
  scan_interval: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Orders.FillWait)
	assert.Equal(t, 250*time.Millisecond, cfg.Orders.RetryBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Exits.ScanInterval)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "risk.yaml", baseYAML)
	path := writeConfig(t, dir, "config.yaml", `include:
  - risk.yaml
admission:
  vol_entry_threshold: 18.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 18.5, cfg.Admission.VolEntryThreshold)
	assert.Len(t, cfg.Risk.Groups, 2)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidateRejectsBadSession(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML+`session:
  start: "15:45"
  end: "09:35"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.end")
}

func TestValidateRejectsDuplicateGroups(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `risk:
  groups:
    - name: equity-index
      base_capacity: 3
    - name: equity-index
      base_capacity: 2
  phase_thresholds: [1, 2, 3]
  initial_equity: 1000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate group")
}

func TestValidateRejectsUnknownBrokerMode(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML+`broker:
  mode: live
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.mode")
}

func TestExplicitZeroSurvivesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML+`exits:
  run_immediately: false
  scan_offset: 0s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Exits.RunImmediately)
	assert.Zero(t, cfg.Exits.ScanOffset)
}

func TestValidateRejectsBadBlackoutDate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", baseYAML+`calendar:
  blackouts:
    "2026-13-40": FOMC
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blackouts")
}
