package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"squareoff/internal/api"
	"squareoff/internal/engine"
	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/pkg/db"
)

// newTestStack wires the full service the way main.go does, but on an
// in-memory database with a pinned mock feed and the paper executor. The
// scheduler clock is fixed to a weekday mid-session instant so the time gate
// keeps every rule inside its window regardless of when the test runs.
func newTestStack(t *testing.T) (*httptest.Server, *feed.MockFeed, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	bus := events.NewBus()
	mock := feed.NewMockFeed(100, 0)
	dispatcher := order.NewDispatcher(order.NewPaperExecutor(), rate.Limit(100), 20, time.Second, bus, database.Queries())

	sched := engine.NewScheduler(engine.SchedulerConfig{
		Store:      database.Queries(),
		Feed:       mock,
		Dispatcher: dispatcher,
		Bus:        bus,
		Interval:   10 * time.Millisecond,
		Now: func() time.Time {
			return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
		},
	})

	srv := api.NewServer(bus, database, sched, api.SystemMeta{
		UseMockFeed:      true,
		ExecutionEnabled: false,
		Version:          "test",
	}, api.AuthConfig{JWTSecret: "integration-test-secret"})

	ts := httptest.NewServer(srv.Router)
	cleanup := func() {
		sched.Shutdown()
		ts.Close()
		database.Close()
	}
	return ts, mock, cleanup
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func registerAndLogin(t *testing.T, base, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "s3cret-pass"}
	if code, body := doJSON(t, "POST", base+"/api/auth/register", "", creds); code != http.StatusCreated {
		t.Fatalf("register %s: %d %v", email, code, body)
	}
	code, body := doJSON(t, "POST", base+"/api/auth/login", "", creds)
	if code != http.StatusOK {
		t.Fatalf("login %s: %d %v", email, code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login %s returned no token", email)
	}
	return token
}

func createRule(t *testing.T, base, token string, rule map[string]any) string {
	t.Helper()
	code, body := doJSON(t, "POST", base+"/api/rules", token, rule)
	if code != http.StatusCreated {
		t.Fatalf("create rule: %d %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("created rule has no id: %v", body)
	}
	return id
}

// waitForOrders polls the orders endpoint until n orders show up or the
// deadline passes.
func waitForOrders(t *testing.T, base, token string, n int, wait time.Duration) []any {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		_, body := doJSON(t, "GET", base+"/api/orders", token, nil)
		orders, _ := body["orders"].([]any)
		if len(orders) >= n {
			return orders
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d orders, have %d", n, len(orders))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestMultiUserExitWorkflow(t *testing.T) {
	ts, mock, cleanup := newTestStack(t)
	defer cleanup()
	base := ts.URL

	tokenA := registerAndLogin(t, base, "alice@example.com")
	tokenB := registerAndLogin(t, base, "bob@example.com")

	// Alice: long SBIN from 700, take profit 50 points up.
	ruleA := createRule(t, base, tokenA, map[string]any{
		"name":          "sbin long exit",
		"symbol":        "SBIN",
		"position_type": "LONG",
		"entry_price":   700.0,
		"quantity":      10.0,
		"take_profit":   map[string]any{"enabled": true, "condition_type": "relative", "value": 50.0},
	})
	// Bob: short INFY from 1500 with a stop 40 points against him. His
	// price never moves, so his rule must not fire.
	createRule(t, base, tokenB, map[string]any{
		"name":          "infy short guard",
		"symbol":        "INFY",
		"position_type": "SHORT",
		"entry_price":   1500.0,
		"quantity":      5.0,
		"stop_loss":     map[string]any{"enabled": true, "condition_type": "relative", "value": 40.0},
	})

	// Bob cannot read Alice's rule.
	if code, _ := doJSON(t, "GET", base+"/api/rules/"+ruleA, tokenB, nil); code != http.StatusNotFound {
		t.Errorf("cross-user rule read: code %d, want 404", code)
	}

	mock.SetPrice("SBIN", 700)
	mock.SetPrice("INFY", 1500)

	for _, token := range []string{tokenA, tokenB} {
		if code, body := doJSON(t, "POST", base+"/api/engine/start", token, nil); code != http.StatusOK {
			t.Fatalf("engine start: %d %v", code, body)
		}
	}

	// Cross Alice's threshold; Bob's price stays below his stop.
	mock.SetPrice("SBIN", 755)

	orders := waitForOrders(t, base, tokenA, 1, 3*time.Second)
	first, _ := orders[0].(map[string]any)
	if first["reason"] != "TAKE_PROFIT" || first["symbol"] != "SBIN" || first["side"] != "SELL" {
		t.Errorf("order wrong: %v", first)
	}
	if first["status"] != "PLACED" {
		t.Errorf("order status = %v, want PLACED", first["status"])
	}

	// At most one exit per rule even though the price stays over threshold.
	time.Sleep(100 * time.Millisecond)
	_, body := doJSON(t, "GET", base+"/api/orders", tokenA, nil)
	if got, _ := body["orders"].([]any); len(got) != 1 {
		t.Errorf("alice has %d orders, want exactly 1", len(got))
	}

	// Bob saw nothing.
	_, body = doJSON(t, "GET", base+"/api/orders", tokenB, nil)
	if got, _ := body["orders"].([]any); len(got) != 0 {
		t.Errorf("bob has %d orders, want 0", len(got))
	}

	// Alice's rule landed in DONE.
	_, body = doJSON(t, "GET", base+"/api/rules/"+ruleA, tokenA, nil)
	if body["status"] != "DONE" {
		t.Errorf("rule status = %v, want DONE", body["status"])
	}
}

func TestEngineStartStopOverHTTP(t *testing.T) {
	ts, _, cleanup := newTestStack(t)
	defer cleanup()
	base := ts.URL

	token := registerAndLogin(t, base, "carol@example.com")

	if code, body := doJSON(t, "POST", base+"/api/engine/start", token, nil); code != http.StatusOK || body["running"] != true {
		t.Fatalf("start: %d %v", code, body)
	}
	// Second start is an idempotent no-op.
	if _, body := doJSON(t, "POST", base+"/api/engine/start", token, nil); body["message"] == nil {
		t.Errorf("double start should report already running: %v", body)
	}

	_, body := doJSON(t, "GET", base+"/api/engine/status", token, nil)
	if body["running"] != true {
		t.Errorf("status after start: %v", body)
	}

	if code, _ := doJSON(t, "POST", base+"/api/engine/stop", token, nil); code != http.StatusOK {
		t.Fatalf("stop failed: %d", code)
	}
	_, body = doJSON(t, "GET", base+"/api/engine/status", token, nil)
	if body["running"] != false {
		t.Errorf("status after stop: %v", body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts, _, cleanup := newTestStack(t)
	defer cleanup()
	base := ts.URL

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/rules"},
		{"POST", "/api/engine/start"},
		{"GET", "/api/orders"},
		{"GET", "/api/trades"},
	} {
		code, _ := doJSON(t, route.method, base+route.path, "", nil)
		if code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: %d, want 401", route.method, route.path, code)
		}
	}
}

func TestRuleValidationOverHTTP(t *testing.T) {
	ts, _, cleanup := newTestStack(t)
	defer cleanup()
	base := ts.URL

	token := registerAndLogin(t, base, "dave@example.com")

	bad := []map[string]any{
		{"name": "no symbol", "position_type": "LONG", "entry_price": 1.0, "quantity": 1.0},
		{"name": "bad side", "symbol": "SBIN", "position_type": "SIDEWAYS", "entry_price": 1.0, "quantity": 1.0},
		{"name": "zero entry", "symbol": "SBIN", "position_type": "LONG", "entry_price": 0.0, "quantity": 1.0},
	}
	for i, payload := range bad {
		if code, _ := doJSON(t, "POST", base+"/api/rules", token, payload); code != http.StatusBadRequest {
			t.Errorf("bad rule %d accepted with code %d", i, code)
		}
	}
}

func TestHealthAndSystemStatus(t *testing.T) {
	ts, _, cleanup := newTestStack(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health code = %d", resp.StatusCode)
	}

	_, body := doJSON(t, "GET", ts.URL+"/api/system/status", "", nil)
	if body["status"] != "ok" {
		t.Errorf("system status: %v", body)
	}
	if body["use_mock_feed"] != true {
		t.Errorf("use_mock_feed = %v, want true", body["use_mock_feed"])
	}
}
