package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/internal/rules"
)

// fakeStore is an in-memory rule store capturing runtime writebacks.
type fakeStore struct {
	mu    sync.Mutex
	rules []*rules.Rule
	saved []rules.Rule
	err   error
}

func (f *fakeStore) ListByUser(_ context.Context, _ string) ([]*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func (f *fakeStore) SaveRuntime(_ context.Context, r *rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *r)
	return nil
}

func (f *fakeStore) lastSaved(t *testing.T) rules.Rule {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		t.Fatal("no runtime writeback recorded")
	}
	return f.saved[len(f.saved)-1]
}

// recordingExec captures exit requests and serves a scripted error.
type recordingExec struct {
	mu   sync.Mutex
	err  error
	reqs []order.ExitRequest
}

func (r *recordingExec) PlaceExit(_ context.Context, req order.ExitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return "", r.err
	}
	return "broker-1", nil
}

func (r *recordingExec) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *recordingExec) last(t *testing.T) order.ExitRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reqs) == 0 {
		t.Fatal("no exit request placed")
	}
	return r.reqs[len(r.reqs)-1]
}

// tradingHours is a Monday mid-session timestamp.
var tradingHours = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

func tpRule(id string) *rules.Rule {
	return &rules.Rule{
		ID:           id,
		UserID:       "user-1",
		Name:         "exit " + id,
		Symbol:       "SBIN",
		Exchange:     "NSE",
		PositionType: rules.Long,
		EntryPrice:   700,
		Quantity:     10,
		Enabled:      true,
		Status:       rules.StatusPending,
		TakeProfit:   &rules.ExitCondition{Enabled: true, ConditionType: rules.Relative, Value: 50},
	}
}

type loopFixture struct {
	loop  *Loop
	store *fakeStore
	feed  *feed.MockFeed
	exec  *recordingExec
	bus   *events.Bus
}

func newLoopFixture(t *testing.T, rs []*rules.Rule, budget int, now time.Time) *loopFixture {
	t.Helper()
	store := &fakeStore{rules: rs}
	mock := feed.NewMockFeed(700, 0)
	exec := &recordingExec{}
	bus := events.NewBus()
	d := order.NewDispatcher(exec, rate.Limit(100), 10, time.Second, bus, nil)

	loop := NewLoop(LoopConfig{
		UserID:      "user-1",
		Rules:       rules.NewSet("user-1", store),
		Feed:        mock,
		Dispatcher:  d,
		Bus:         bus,
		RetryBudget: budget,
		Now:         func() time.Time { return now },
	})
	return &loopFixture{loop: loop, store: store, feed: mock, exec: exec, bus: bus}
}

func TestTickFiresTakeProfitOnce(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	ctx := context.Background()

	fx.feed.SetPrice("SBIN", 740)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 0 {
		t.Fatalf("no exit expected below threshold, got %d", fx.exec.calls())
	}

	fx.feed.SetPrice("SBIN", 755)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Fatalf("expected one exit order, got %d", fx.exec.calls())
	}
	req := fx.exec.last(t)
	if req.Side != "SELL" || req.Reason != "TAKE_PROFIT" || req.OrderType != "MARKET" {
		t.Errorf("exit request wrong: %+v", req)
	}

	saved := fx.store.lastSaved(t)
	if saved.Status != rules.StatusDone || saved.TriggerCount != 1 {
		t.Errorf("writeback wrong: status=%s count=%d", saved.Status, saved.TriggerCount)
	}
	if saved.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not written back")
	}

	// Terminal rule: further ticks must not dispatch again.
	fx.loop.Tick(ctx)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Errorf("terminal rule re-dispatched, calls=%d", fx.exec.calls())
	}
}

func TestTickSquareOffBypassesConditions(t *testing.T) {
	// Price sits at entry so neither TP nor SL would fire; past square-off
	// the exit is forced regardless.
	pastSquareOff := time.Date(2026, 8, 3, 15, 25, 0, 0, time.UTC)
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, pastSquareOff)
	fx.feed.SetPrice("SBIN", 700)

	fx.loop.Tick(context.Background())
	if fx.exec.calls() != 1 {
		t.Fatalf("expected square-off exit, got %d calls", fx.exec.calls())
	}
	req := fx.exec.last(t)
	if req.Reason != "SQUARE_OFF" || req.OrderType != "MARKET" {
		t.Errorf("square-off request wrong: %+v", req)
	}
	if req.Price != 700 {
		t.Errorf("square-off price = %.2f, want the quoted 700", req.Price)
	}
	if saved := fx.store.lastSaved(t); saved.Status != rules.StatusDone {
		t.Errorf("writeback status = %s, want DONE", saved.Status)
	}
}

func TestTickSquareOffUsesLastQuoteWhenFeedDown(t *testing.T) {
	// A regular tick observes 712, then the feed dies before square-off.
	// The forced exit still fires and carries the last observed price.
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	ctx := context.Background()

	fx.feed.SetPrice("SBIN", 712)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 0 {
		t.Fatalf("no exit expected below threshold, got %d", fx.exec.calls())
	}

	fx.feed.SetUnavailable(true)
	fx.loop.now = func() time.Time { return time.Date(2026, 8, 3, 15, 25, 0, 0, time.UTC) }

	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Fatalf("expected forced exit, got %d calls", fx.exec.calls())
	}
	req := fx.exec.last(t)
	if req.Reason != "SQUARE_OFF" || req.Price != 712 {
		t.Errorf("square-off request wrong: %+v", req)
	}
}

func TestTickExpiresRuleWhenWindowClosed(t *testing.T) {
	r := tpRule("r1")
	// Window without a square-off: past the end the rule simply expires.
	r.Window = &rules.TimeWindow{StartTime: "09:15", EndTime: "15:15"}
	afterClose := time.Date(2026, 8, 3, 16, 0, 0, 0, time.UTC)
	fx := newLoopFixture(t, []*rules.Rule{r}, 3, afterClose)

	expired, unsub := fx.bus.Subscribe(events.EventRuleExpired, 1)
	defer unsub()

	fx.loop.Tick(context.Background())
	if fx.exec.calls() != 0 {
		t.Fatalf("expired rule must not dispatch, got %d calls", fx.exec.calls())
	}
	if saved := fx.store.lastSaved(t); saved.Status != rules.StatusExpired {
		t.Errorf("writeback status = %s, want EXPIRED", saved.Status)
	}
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Error("rule.expired event not published")
	}
}

func TestTickBeforeWindowLeavesRuleAlone(t *testing.T) {
	early := time.Date(2026, 8, 3, 8, 0, 0, 0, time.UTC)
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, early)
	fx.feed.SetPrice("SBIN", 900)

	fx.loop.Tick(context.Background())
	if fx.exec.calls() != 0 {
		t.Errorf("rule outside window must not fire, got %d calls", fx.exec.calls())
	}
	fx.store.mu.Lock()
	saves := len(fx.store.saved)
	fx.store.mu.Unlock()
	if saves != 0 {
		t.Errorf("rule outside window must not be written back, got %d saves", saves)
	}
}

func TestTickFeedOutageIsFailSoft(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	ctx := context.Background()

	fx.feed.SetPrice("SBIN", 800)
	fx.feed.SetUnavailable(true)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 0 {
		t.Fatalf("no quote, no fire; got %d calls", fx.exec.calls())
	}

	// Feed recovers: the same rule fires on the next tick.
	fx.feed.SetUnavailable(false)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Errorf("expected exit after feed recovery, got %d calls", fx.exec.calls())
	}
}

func TestTickRejectedOrderFailsRule(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	fx.exec.err = order.ErrRejected
	fx.feed.SetPrice("SBIN", 800)
	ctx := context.Background()

	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Fatalf("expected one attempt, got %d", fx.exec.calls())
	}
	saved := fx.store.lastSaved(t)
	if saved.Status != rules.StatusFailed {
		t.Errorf("writeback status = %s, want FAILED", saved.Status)
	}
	if saved.LastError == "" {
		t.Error("LastError should carry the rejection")
	}

	// Rejection is terminal; no retry on later ticks.
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Errorf("rejected rule retried, calls=%d", fx.exec.calls())
	}
}

func TestTickTimeoutRetriesWithinBudget(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 2, tradingHours)
	fx.exec.err = order.ErrTimeout
	fx.feed.SetPrice("SBIN", 800)
	ctx := context.Background()

	// Budget 2: two retried attempts stay ACTIVE, the third exhausts it.
	fx.loop.Tick(ctx)
	fx.loop.Tick(ctx)
	if saved := fx.store.lastSaved(t); saved.Status != rules.StatusActive {
		t.Fatalf("status after retryable failures = %s, want ACTIVE", saved.Status)
	}

	fx.loop.Tick(ctx)
	if fx.exec.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fx.exec.calls())
	}
	if saved := fx.store.lastSaved(t); saved.Status != rules.StatusFailed {
		t.Errorf("status after budget exhaustion = %s, want FAILED", saved.Status)
	}

	fx.loop.Tick(ctx)
	if fx.exec.calls() != 3 {
		t.Errorf("failed rule retried, calls=%d", fx.exec.calls())
	}
}

func TestTickThrottledDispatchDefersDecision(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	fx.feed.SetPrice("SBIN", 800)
	ctx := context.Background()

	// Choke the shared bucket so the dispatch comes back throttled.
	fx.loop.dispatcher.Limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	fx.loop.dispatcher.WaitTimeout = 10 * time.Millisecond
	fx.loop.dispatcher.Limiter.Allow() // drain the burst token

	fx.loop.Tick(ctx)
	if fx.exec.calls() != 0 {
		t.Fatalf("throttled dispatch must not reach broker, got %d calls", fx.exec.calls())
	}

	// Refill the bucket: the deferred decision fires on the next tick.
	fx.loop.dispatcher.Limiter = rate.NewLimiter(rate.Limit(100), 10)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Errorf("deferred decision did not fire, calls=%d", fx.exec.calls())
	}
	if saved := fx.store.lastSaved(t); saved.Status != rules.StatusDone {
		t.Errorf("writeback status = %s, want DONE", saved.Status)
	}
}

func TestTickPrioritizedSnapshotOrder(t *testing.T) {
	a := tpRule("rule-a")
	a.Priority = 5
	a.Symbol = "INFY"
	b := tpRule("rule-b")
	b.Priority = 1
	fx := newLoopFixture(t, []*rules.Rule{a, b}, 3, tradingHours)
	fx.feed.SetPrice("SBIN", 800)
	fx.feed.SetPrice("INFY", 800)

	fx.loop.Tick(context.Background())
	if fx.exec.calls() != 2 {
		t.Fatalf("expected both rules to fire, got %d", fx.exec.calls())
	}
	fx.exec.mu.Lock()
	first := fx.exec.reqs[0].RuleID
	fx.exec.mu.Unlock()
	if first != "rule-b" {
		t.Errorf("lower priority value must dispatch first, got %s", first)
	}
}

func TestTickDisabledRulesAreSkipped(t *testing.T) {
	r := tpRule("r1")
	r.Enabled = false
	fx := newLoopFixture(t, []*rules.Rule{r}, 3, tradingHours)
	fx.feed.SetPrice("SBIN", 900)

	fx.loop.Tick(context.Background())
	if fx.exec.calls() != 0 {
		t.Errorf("disabled rule fired, calls=%d", fx.exec.calls())
	}
	if loaded, _ := fx.loop.Counts(); loaded != 0 {
		t.Errorf("disabled rule counted as loaded: %d", loaded)
	}
}

func TestTickServesStaleSnapshotOnStoreError(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	fx.feed.SetPrice("SBIN", 700)
	ctx := context.Background()

	// Healthy tick caches the snapshot.
	fx.loop.Tick(ctx)

	// Store breaks; the cached rule still fires when the price crosses.
	fx.store.mu.Lock()
	fx.store.err = context.DeadlineExceeded
	fx.store.mu.Unlock()
	fx.feed.SetPrice("SBIN", 800)
	fx.loop.Tick(ctx)
	if fx.exec.calls() != 1 {
		t.Errorf("stale snapshot not served, calls=%d", fx.exec.calls())
	}
}

func TestActiveTradesView(t *testing.T) {
	fx := newLoopFixture(t, []*rules.Rule{tpRule("r1")}, 3, tradingHours)
	fx.feed.SetPrice("SBIN", 720)

	fx.loop.Tick(context.Background())
	trades := fx.loop.ActiveTrades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade row, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Symbol != "SBIN" || tr.CurrentPrice != 720 {
		t.Errorf("trade row wrong: %+v", tr)
	}
	if tr.PnL != 200 { // (720-700)*10
		t.Errorf("PnL = %v, want 200", tr.PnL)
	}
	if tr.TPPrice == nil || *tr.TPPrice != 750 {
		t.Errorf("TPPrice wrong: %v", tr.TPPrice)
	}
}
