package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"talon/internal/engine"
	"talon/internal/exitrule"
	"talon/internal/position"
	"talon/internal/risk"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T) (*Server, *position.Book) {
	t.Helper()
	book := position.NewBook()
	ledger := risk.NewLedger([]risk.GroupConfig{
		{Name: "equity-index", Symbols: []string{"SPX"}, BaseCapacity: 3},
	}, 250_000)
	phases, err := engine.NewPhaseTracker([3]float64{100_000, 500_000, 1_000_000}, 250_000)
	require.NoError(t, err)
	core := engine.NewCore(nil, nil, nil, book, ledger, nil, nil, nil, phases)

	rulesPath := filepath.Join(t.TempDir(), "exit_rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`exit_rules:
  default:
    profit_target_pct: 0.50
    stop_loss_pct: 2.0
    defensive_dte: 21
`), 0o644))
	rules, err := exitrule.NewRegistry(rulesPath)
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{Addr: ":0", Core: core, Rules: rules})
	require.NoError(t, err)
	return srv, book
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := get(srv, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestPositionsListAndDetail(t *testing.T) {
	srv, book := newTestServer(t)
	require.NoError(t, book.Restore(&types.Position{
		ID: "POS-1", Strategy: "short-strangle", Status: types.StatusOpen,
	}))
	require.NoError(t, book.Restore(&types.Position{
		ID: "POS-2", Strategy: "short-strangle", Status: types.StatusClosed,
	}))

	w := get(srv, "/api/positions")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "positions.#").Int())

	w = get(srv, "/api/positions?status=open")
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "positions.#").Int())
	assert.Equal(t, "POS-1", gjson.Get(w.Body.String(), "positions.0.id").String())

	w = get(srv, "/api/positions/POS-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "open", gjson.Get(w.Body.String(), "status").String())

	w = get(srv, "/api/positions/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskLedgerEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := get(srv, "/api/risk/ledger")
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "equity-index", gjson.Get(body, "groups.0.name").String())
	assert.Equal(t, int64(0), gjson.Get(body, "groups.0.count").Int())
}

func TestExitRulesDump(t *testing.T) {
	srv, _ := newTestServer(t)
	w := get(srv, "/api/exit/rules")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "yaml")
	assert.Contains(t, w.Body.String(), "profit_target_pct")
}
