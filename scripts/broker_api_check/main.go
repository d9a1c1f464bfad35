package main

import (
	"context"
	"log"
	"os"
	"time"

	"squareoff/internal/order"
	"squareoff/pkg/broker/kite"
	"squareoff/pkg/config"
)

// broker_api_check verifies that the configured broker credentials actually
// work before pointing the engine at a live account.
//
// Usage:
//   go run ./scripts/broker_api_check
//
// Environment (same as the main binary):
//   BROKER_BASE_URL / BROKER_API_KEY / BROKER_ACCESS_TOKEN
//
// Behavior toggles:
//   BROKER_CHECK_SYMBOL        (default "SBIN")
//   BROKER_CHECK_PLACE_ORDER   (default "false")
//     - false: quote lookup only, nothing is sent to the order API
//     - true : additionally places a 1-share MARKET sell; only enable this
//              on an account you are willing to trade on
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.BrokerAPIKey == "" || cfg.BrokerAccessToken == "" {
		log.Fatal("BROKER_API_KEY and BROKER_ACCESS_TOKEN must be set")
	}

	symbol := os.Getenv("BROKER_CHECK_SYMBOL")
	if symbol == "" {
		symbol = "SBIN"
	}

	client := kite.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAccessToken)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	log.Printf("checking quote API against %s ...", cfg.BrokerBaseURL)
	quotes, err := kite.NewFeed(client, "NSE").Quotes(ctx, []string{symbol})
	if err != nil {
		log.Fatalf("quote lookup failed: %v", err)
	}
	q, ok := quotes[symbol]
	if !ok {
		log.Fatalf("no quote returned for %s, check the symbol/exchange", symbol)
	}
	log.Printf("quote OK: %s ltp=%.2f", symbol, q.LastPrice)

	if os.Getenv("BROKER_CHECK_PLACE_ORDER") != "true" {
		log.Println("order API not exercised (set BROKER_CHECK_PLACE_ORDER=true to test it)")
		return
	}

	log.Println("placing 1-share MARKET sell ...")
	brokerID, err := kite.NewExecutor(client).PlaceExit(ctx, order.ExitRequest{
		RuleID:    "broker-api-check",
		Symbol:    symbol,
		Exchange:  "NSE",
		Side:      "SELL",
		Quantity:  1,
		OrderType: "MARKET",
		Reason:    "API_CHECK",
	})
	if err != nil {
		log.Fatalf("order placement failed: %v", err)
	}
	log.Printf("order OK: broker_order_id=%s", brokerID)
}
