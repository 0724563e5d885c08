package exitrule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `exit_rules:
  default:
    profit_target_pct: 0.50
    stop_loss_pct: 2.0
    defensive_dte: 21
  short-strangle:
    profit_target_pct: 0.50
    stop_loss_pct: 2.0
    defensive_dte: 21
    defend_loss_pct: 1.0
  iron-condor:
    profit_target_pct: 0.25
    stop_loss_pct: 1.5
    defensive_dte: 14
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exit_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryLoadsTable(t *testing.T) {
	r, err := NewRegistry(writeRules(t, sampleRules))
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Rules, 3)

	rules, ok := r.RulesFor("iron-condor")
	require.True(t, ok)
	assert.Equal(t, 0.25, rules.ProfitTargetPct)
	assert.Equal(t, 14, rules.DefensiveDTE)
}

func TestRulesForFallsBackToDefault(t *testing.T) {
	r, err := NewRegistry(writeRules(t, sampleRules))
	require.NoError(t, err)

	rules, ok := r.RulesFor("jade-lizard")
	require.True(t, ok)
	assert.Equal(t, 0.50, rules.ProfitTargetPct)
	assert.Equal(t, 2.0, rules.StopLossPct)
}

func TestRegistryRejectsMissingFields(t *testing.T) {
	_, err := NewRegistry(writeRules(t, `exit_rules:
  broken:
    profit_target_pct: 0.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit rule table invalid")
}

func TestRegistryRejectsOutOfRangeTarget(t *testing.T) {
	_, err := NewRegistry(writeRules(t, `exit_rules:
  greedy:
    profit_target_pct: 1.5
    stop_loss_pct: 2.0
    defensive_dte: 21
`))
	require.Error(t, err)
}

func TestRegistryRejectsDefendAboveStop(t *testing.T) {
	_, err := NewRegistry(writeRules(t, `exit_rules:
  upside-down:
    profit_target_pct: 0.5
    stop_loss_pct: 1.0
    defensive_dte: 21
    defend_loss_pct: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defend_loss_pct")
}

func TestRegistryRejectsUnknownKeys(t *testing.T) {
	_, err := NewRegistry(writeRules(t, `exit_rules:
  typo:
    profit_target_pct: 0.5
    stop_los_pct: 2.0
    defensive_dte: 21
`))
	require.Error(t, err)
}

func TestReloadBumpsVersionAndNotifies(t *testing.T) {
	path := writeRules(t, sampleRules)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	notified := make(chan Snapshot, 1)
	r.OnChange(func(s Snapshot) { notified <- s })

	// Drive the reload directly; fsnotify delivery timing is not under test.
	require.NoError(t, os.WriteFile(path, []byte(`exit_rules:
  default:
    profit_target_pct: 0.40
    stop_loss_pct: 2.0
    defensive_dte: 21
`), 0o644))
	require.NoError(t, r.reload())
	r.notifyListeners()

	snap := <-notified
	assert.Equal(t, int64(2), snap.Version)
	rules, ok := r.RulesFor("default")
	require.True(t, ok)
	assert.Equal(t, 0.40, rules.ProfitTargetPct)
}

func TestFailedReloadKeepsPreviousTable(t *testing.T) {
	path := writeRules(t, sampleRules)
	r, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("exit_rules: {}\n"), 0o644))
	require.Error(t, r.reload())

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Rules, 3)
}

func TestDumpYAMLRoundTrips(t *testing.T) {
	r, err := NewRegistry(writeRules(t, sampleRules))
	require.NoError(t, err)

	out, err := r.DumpYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "short-strangle")
	assert.Contains(t, string(out), "profit_target_pct")
}
