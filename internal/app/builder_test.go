package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"talon/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "exit_rules.yaml")
	writeFile(t, rulesPath, `exit_rules:
  default:
    profit_target_pct: 0.50
    stop_loss_pct: 2.0
    defensive_dte: 21
`)
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`app:
  env: test
  database_path: %s
risk:
  groups:
    - name: equity-index
      symbols: [SPX]
      base_capacity: 3
  phase_thresholds: [100000, 500000, 1000000]
  initial_equity: 250000
exits:
  rules_path: %s
`, filepath.Join(dir, "talon.db"), rulesPath))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func TestBuildFromConfig(t *testing.T) {
	app, err := NewApp(testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Core())
	// A fresh store has nothing to recover.
	assert.NoError(t, app.Core().Recover(context.Background()))
}

func TestBuildRejectsMissingRuleFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exits.RulesPath = "/nonexistent/rules.yaml"
	_, err := NewApp(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit rules")
}
