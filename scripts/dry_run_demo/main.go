package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"squareoff/internal/engine"
	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/internal/rules"
	"squareoff/pkg/db"
)

// dry_run_demo walks a few exit rules through the engine against the mock
// feed and the paper executor. It touches neither the broker nor disk.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) arm a take-profit rule and push the price through its threshold,
//   2) arm a trailing stop, ratchet it up and pull the price back,
//   3) print every exit order the dispatcher placed.

func main() {
	log.Println("=== dry-run demo starting ===")

	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	queries := database.Queries()

	bus := events.NewBus()
	mock := feed.NewMockFeed(100, 0)
	dispatcher := order.NewDispatcher(order.NewPaperExecutor(), rate.Limit(10), 10, time.Second, bus, queries)

	const userID = "demo-user"
	demoRules := []*rules.Rule{
		{
			ID: uuid.NewString(), UserID: userID, Name: "tp demo",
			Symbol: "SBIN", Exchange: "NSE", PositionType: rules.Long,
			EntryPrice: 700, Quantity: 10, Enabled: true, Status: rules.StatusPending,
			TakeProfit: &rules.ExitCondition{Enabled: true, ConditionType: rules.Relative, Value: 50},
		},
		{
			ID: uuid.NewString(), UserID: userID, Name: "trailing stop demo",
			Symbol: "INFY", Exchange: "NSE", PositionType: rules.Long,
			EntryPrice: 1500, Quantity: 5, Enabled: true, Status: rules.StatusPending,
			StopLoss: &rules.ExitCondition{Enabled: true, ConditionType: rules.Relative, Value: 30, Trail: true, TrailStep: 20},
		},
	}
	for _, r := range demoRules {
		if err := queries.CreateRule(ctx, r); err != nil {
			log.Fatalf("create rule %s: %v", r.Name, err)
		}
	}

	// Fixed weekday mid-session clock so the demo works at any wall time.
	loop := engine.NewLoop(engine.LoopConfig{
		UserID:     userID,
		Rules:      rules.NewSet(userID, queries),
		Feed:       mock,
		Dispatcher: dispatcher,
		Bus:        bus,
		Now: func() time.Time {
			return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
		},
	})

	// Price path: SBIN grinds up through the take-profit, INFY rallies then
	// gives back enough to hit the trailed stop.
	path := []map[string]float64{
		{"SBIN": 700, "INFY": 1500},
		{"SBIN": 720, "INFY": 1560},
		{"SBIN": 748, "INFY": 1620},
		{"SBIN": 756, "INFY": 1590},
		{"SBIN": 760, "INFY": 1555},
	}
	for i, prices := range path {
		for sym, px := range prices {
			mock.SetPrice(sym, px)
		}
		loop.Tick(ctx)
		log.Printf("tick %d done: SBIN=%.2f INFY=%.2f", i+1, prices["SBIN"], prices["INFY"])
	}

	orders, err := queries.ListExitOrdersByUser(ctx, userID, 10)
	if err != nil {
		log.Fatalf("list orders: %v", err)
	}
	log.Printf("=== %d exit orders placed ===", len(orders))
	for _, o := range orders {
		log.Printf("  %s %s qty=%.0f reason=%s status=%s broker_id=%s",
			o.Side, o.Symbol, o.Qty, o.Reason, o.Status, o.BrokerOrderID)
	}
	log.Println("=== dry-run demo finished ===")
}
