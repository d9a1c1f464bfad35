package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/internal/rules"
	"squareoff/internal/state"
)

// Loop is one user's polling loop. Ticks are strictly sequential: a tick
// runs to completion before the next begins, which keeps the single-flight
// trigger guarantee simple. All rule runtime state is owned by this loop
// while it runs.
type Loop struct {
	userID      string
	interval    time.Duration
	ruleSet     *rules.Set
	prices      feed.Feed
	dispatcher  *order.Dispatcher
	arena       *state.Arena
	bus         *events.Bus
	retryBudget int

	// now is a test seam for time-gated behavior.
	now func() time.Time

	startedAt time.Time
	ticks     atomic.Uint64

	mu     sync.RWMutex
	trades map[string]TradeView
	loaded int
}

// LoopConfig wires a Loop's collaborators.
type LoopConfig struct {
	UserID      string
	Interval    time.Duration
	Rules       *rules.Set
	Feed        feed.Feed
	Dispatcher  *order.Dispatcher
	Arena       *state.Arena
	Bus         *events.Bus
	RetryBudget int
	Now         func() time.Time
}

// NewLoop creates a loop. Interval defaults to one second, the retry budget
// to three attempts.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Arena == nil {
		cfg.Arena = state.NewArena()
	}
	return &Loop{
		userID:      cfg.UserID,
		interval:    cfg.Interval,
		ruleSet:     cfg.Rules,
		prices:      cfg.Feed,
		dispatcher:  cfg.Dispatcher,
		arena:       cfg.Arena,
		bus:         cfg.Bus,
		retryBudget: cfg.RetryBudget,
		now:         cfg.Now,
		trades:      make(map[string]TradeView),
	}
}

// Run ticks until the context is canceled. The in-flight tick always
// completes before Run returns; the scheduler relies on that for its stop
// acknowledgment.
func (l *Loop) Run(ctx context.Context) {
	l.startedAt = time.Now()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Printf("engine: loop started for user %s (tick %s)", l.userID, l.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: loop stopped for user %s after %d ticks", l.userID, l.ticks.Load())
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation pass. Exported so tests and the scheduler's
// drain path can drive the loop without the ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.ticks.Add(1)
	now := l.now()

	snapshot, err := l.ruleSet.Snapshot(ctx)
	if err != nil {
		// Stale snapshot is still served; a transient persistence error
		// must not blank out the tick.
		log.Printf("engine: rules reload for user %s: %v", l.userID, err)
	}

	l.mu.Lock()
	l.loaded = len(snapshot)
	l.mu.Unlock()

	var evaluate []evalItem  // inside window, evaluated against a quote
	var squareOff []evalItem // forced market exit

	for _, r := range snapshot {
		rec := l.arena.Ensure(r)
		if rec.Phase().Terminal() {
			l.dropTrade(r.ID)
			continue
		}

		switch gate := rules.Gate(r.EffectiveWindow(), now); gate {
		case rules.TimeOutsideWindow:
			if r.EffectiveWindow().Closed(now) && rec.Expire() {
				log.Printf("engine: rule %s (%s) expired, window closed without trigger", r.ID, r.Symbol)
				l.persist(ctx, r, rec)
				l.dropTrade(r.ID)
				if l.bus != nil {
					l.bus.Publish(events.EventRuleExpired, r.ID)
				}
			}
		case rules.TimeSquareOff:
			squareOff = append(squareOff, evalItem{r, rec})
		case rules.TimeActive:
			evaluate = append(evaluate, evalItem{r, rec})
		}
	}

	// One quote lookup per distinct symbol, not per rule. Square-off rules
	// are fetched too so their exit carries the observed price.
	quotes := l.fetchQuotes(ctx, append(append([]evalItem(nil), evaluate...), squareOff...))

	for _, p := range evaluate {
		p.rec.Activate()
		q, ok := quotes[p.rule.Symbol]
		if !ok {
			// Feed failure for this symbol: skip just these rules this
			// tick, retry next tick.
			continue
		}

		prevTrail := p.rec.Trailing
		prevPhase := p.rec.Phase()
		decision := rules.Evaluate(p.rule, q.LastPrice, &p.rec.Trailing)
		l.updateTrade(p.rule, p.rec, q.LastPrice, rules.TimeActive)

		if decision != rules.DecisionNone {
			l.fire(ctx, p.rule, p.rec, decision, q.LastPrice)
		} else if p.rec.Trailing != prevTrail || p.rec.Phase() != prevPhase {
			// Write back watermarks/status only when they moved.
			l.persist(ctx, p.rule, p.rec)
		}
	}

	for _, p := range squareOff {
		p.rec.Activate()
		price := l.lastPrice(p.rule.ID)
		if q, ok := quotes[p.rule.Symbol]; ok {
			price = q.LastPrice
		}
		l.updateTrade(p.rule, p.rec, price, rules.TimeSquareOff)
		l.fire(ctx, p.rule, p.rec, rules.DecisionSquareOff, price)
	}
}

// evalItem pairs a rule with its runtime record for one tick.
type evalItem struct {
	rule *rules.Rule
	rec  *state.Record
}

func (l *Loop) fetchQuotes(ctx context.Context, batch []evalItem) map[string]feed.Quote {
	if len(batch) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(batch))
	symbols := make([]string, 0, len(batch))
	for _, p := range batch {
		if !seen[p.rule.Symbol] {
			seen[p.rule.Symbol] = true
			symbols = append(symbols, p.rule.Symbol)
		}
	}

	quotes, err := l.prices.Quotes(ctx, symbols)
	if err != nil {
		if errors.Is(err, feed.ErrUnavailable) {
			log.Printf("engine: price feed unavailable for user %s (%d symbols), retrying next tick", l.userID, len(symbols))
		} else {
			log.Printf("engine: quote fetch for user %s: %v", l.userID, err)
		}
	}
	return quotes
}

// fire drives the trigger state machine for a non-NONE decision. Only the
// winner of the compare-and-set dispatches; a losing pass is a silent no-op.
func (l *Loop) fire(ctx context.Context, r *rules.Rule, rec *state.Record, d rules.Decision, price float64) {
	if !rec.TryTrigger() {
		return
	}

	req := order.ExitRequest{
		RuleID:    r.ID,
		UserID:    r.UserID,
		Symbol:    r.Symbol,
		Exchange:  r.Exchange,
		Side:      r.ExitSide(),
		Quantity:  r.Quantity,
		OrderType: exitOrderType(r, d),
		Price:     price,
		Reason:    d.String(),
	}

	_, err := l.dispatcher.Dispatch(ctx, req)
	switch {
	case err == nil:
		rec.Decision = d
		rec.TriggerCount++
		rec.LastTriggeredAt = l.now()
		rec.LastError = ""
		rec.Complete()
		log.Printf("engine: exit confirmed for rule %s (%s) reason=%s price=%.2f", r.ID, r.Symbol, d, price)
		if l.bus != nil {
			l.bus.Publish(events.EventRuleTriggered, l.tradeRow(r, rec, price, rules.TimeActive))
		}
	case errors.Is(err, order.ErrThrottled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Decision deferred to the next cycle; no attempt was made.
		rec.Defer()
		return
	case errors.Is(err, order.ErrRejected):
		rec.Decision = d
		rec.TriggerCount++
		rec.LastTriggeredAt = l.now()
		rec.Fail(err)
		log.Printf("engine: rule %s (%s) failed, order rejected: %v", r.ID, r.Symbol, err)
	default:
		// Timeouts and other transient faults: bounded retry across ticks.
		if rec.Retry(l.retryBudget, err) {
			log.Printf("engine: rule %s (%s) dispatch %v, retry %d/%d next tick", r.ID, r.Symbol, err, rec.Retries(), l.retryBudget)
		} else {
			log.Printf("engine: rule %s (%s) failed after %d attempts: %v", r.ID, r.Symbol, rec.Retries(), err)
		}
	}

	l.persist(ctx, r, rec)
}

// persist writes the rule's mutable runtime fields back to the store.
func (l *Loop) persist(ctx context.Context, r *rules.Rule, rec *state.Record) {
	r.Status = rec.Phase().Status()
	r.HighestPrice = rec.Trailing.Highest
	r.LowestPrice = rec.Trailing.Lowest
	r.TriggerCount = rec.TriggerCount
	r.LastError = rec.LastError
	if !rec.LastTriggeredAt.IsZero() {
		t := rec.LastTriggeredAt
		r.LastTriggeredAt = &t
	}
	if err := l.ruleSet.SaveRuntime(ctx, r); err != nil {
		log.Printf("engine: runtime writeback for rule %s: %v", r.ID, err)
	}
}

func (l *Loop) tradeRow(r *rules.Rule, rec *state.Record, price float64, ts rules.TimeState) TradeView {
	pnl := (price - r.EntryPrice) * r.Quantity
	if r.PositionType == rules.Short {
		pnl = -pnl
	}
	return TradeView{
		RuleID:       r.ID,
		Name:         r.Name,
		Symbol:       r.Symbol,
		Exchange:     r.Exchange,
		PositionType: string(r.PositionType),
		Quantity:     r.Quantity,
		EntryPrice:   r.EntryPrice,
		CurrentPrice: price,
		TPPrice:      r.TakeProfitPrice(),
		SLPrice:      r.StopLossPrice(),
		PnL:          pnl,
		Status:       string(rec.Phase().Status()),
		TimeState:    ts.String(),
	}
}

func (l *Loop) updateTrade(r *rules.Rule, rec *state.Record, price float64, ts rules.TimeState) {
	row := l.tradeRow(r, rec, price, ts)
	l.mu.Lock()
	l.trades[r.ID] = row
	l.mu.Unlock()
}

// lastPrice returns the rule's price from the previous tick's trade row,
// zero when no tick has quoted it yet. It backstops a square-off during a
// feed outage.
func (l *Loop) lastPrice(ruleID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trades[ruleID].CurrentPrice
}

func (l *Loop) dropTrade(ruleID string) {
	l.mu.Lock()
	delete(l.trades, ruleID)
	l.mu.Unlock()
}

// ActiveTrades returns the live rows from the last tick, for the API layer.
func (l *Loop) ActiveTrades() []TradeView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TradeView, 0, len(l.trades))
	for _, t := range l.trades {
		out = append(out, t)
	}
	return out
}

// Counts reports (rules loaded at last tick, live trade rows).
func (l *Loop) Counts() (loaded, trades int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded, len(l.trades)
}

// Ticks returns the number of completed evaluation passes.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// exitOrderType resolves the order type from the fired condition; square-off
// is always a market exit.
func exitOrderType(r *rules.Rule, d rules.Decision) string {
	var c *rules.ExitCondition
	switch d {
	case rules.DecisionTakeProfit:
		c = r.TakeProfit
	case rules.DecisionStopLoss:
		c = r.StopLoss
	}
	if c != nil && c.OrderType != "" {
		return c.OrderType
	}
	return "MARKET"
}
