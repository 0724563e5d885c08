// Package exitrule holds the per-strategy exit rule table. Rules live in a
// YAML file that can be edited while the engine is running; the registry
// validates every reload against a schema and keeps serving the last good
// snapshot when a reload fails.
package exitrule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"talon/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultKey is the rule entry used for strategies without their own row.
const DefaultKey = "default"

// Rules is one row of the exit rule table. Percentages are fractions of the
// opening credit: 0.50 means half the credit captured, 2.0 means a loss of
// twice the credit.
type Rules struct {
	ProfitTargetPct float64 `mapstructure:"profit_target_pct" yaml:"profit_target_pct" json:"profit_target_pct"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct" json:"stop_loss_pct"`
	DefensiveDTE    int     `mapstructure:"defensive_dte" yaml:"defensive_dte" json:"defensive_dte"`
	DefendLossPct   float64 `mapstructure:"defend_loss_pct,omitempty" yaml:"defend_loss_pct,omitempty" json:"defend_loss_pct,omitempty"`
}

// FileConfig maps the exit_rules block of the YAML file.
type FileConfig struct {
	ExitRules map[string]Rules `mapstructure:"exit_rules" yaml:"exit_rules"`
}

// Snapshot is an immutable view of the loaded table.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Rules    map[string]Rules
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

// Registry serves exit rules and hot-reloads them on file change.
type Registry struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

const ruleSchema = `{
  "type": "object",
  "properties": {
    "exit_rules": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["profit_target_pct", "stop_loss_pct", "defensive_dte"],
        "properties": {
          "profit_target_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
          "stop_loss_pct": {"type": "number", "exclusiveMinimum": 0},
          "defensive_dte": {"type": "integer", "minimum": 0},
          "defend_loss_pct": {"type": "number", "minimum": 0}
        },
        "additionalProperties": false
      }
    }
  },
  "required": ["exit_rules"]
}`

// NewRegistry reads the rule file, validates it, and starts watching for
// changes.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("exit rule registry requires path")
	}
	schema, err := compileRuleSchema()
	if err != nil {
		return nil, fmt.Errorf("compile exit rule schema failed: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read exit rule config failed: %w", err)
	}
	r := &Registry{path: path, v: v, schema: schema}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("exit rule reload failed, keeping previous table: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns a copy of the current table.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// RulesFor resolves the rules for a strategy, falling back to the default
// row when the strategy has no entry of its own.
func (r *Registry) RulesFor(strategy string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rules, ok := r.snapshot.Rules[strings.TrimSpace(strategy)]; ok {
		return rules, true
	}
	rules, ok := r.snapshot.Rules[DefaultKey]
	return rules, ok
}

// OnChange registers a listener invoked after every successful reload.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// DumpYAML renders the current table as YAML, for the inspection endpoint.
func (r *Registry) DumpYAML() ([]byte, error) {
	snap := r.Snapshot()
	return yaml.Marshal(FileConfig{ExitRules: snap.Rules})
}

func (r *Registry) reload() error {
	raw, err := parseRuleFile(r.path)
	if err != nil {
		return err
	}
	if err := r.validate(raw); err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Rules:    raw.ExitRules,
	}
	version := r.snapshot.Version
	r.mu.Unlock()
	logger.Infof("Exit rule table v%d loaded: %d strategies from %s", version, len(raw.ExitRules), filepath.Base(r.path))
	return nil
}

func (r *Registry) validate(cfg FileConfig) error {
	// jsonschema validates decoded JSON values, so round-trip through JSON.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := r.schema.Validate(doc); err != nil {
		return fmt.Errorf("exit rule table invalid: %w", err)
	}
	for name, rules := range cfg.ExitRules {
		if rules.DefendLossPct > 0 && rules.DefendLossPct >= rules.StopLossPct {
			return fmt.Errorf("exit rule %q: defend_loss_pct must be below stop_loss_pct", name)
		}
	}
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	listeners := append([]ChangeListener(nil), r.listeners...)
	snap := cloneSnapshot(r.snapshot)
	r.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer safeRecover("exit rule listener")
			fn(snap)
		}()
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{Version: s.Version, LoadedAt: s.LoadedAt, Rules: make(map[string]Rules, len(s.Rules))}
	for k, v := range s.Rules {
		out.Rules[k] = v
	}
	return out
}

func compileRuleSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("exit_rules.json", strings.NewReader(ruleSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("exit_rules.json")
}

func parseRuleFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read exit rule config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse exit rule config failed: %w", err)
	}
	return cfg, nil
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
