package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"squareoff/internal/api"
	"squareoff/internal/engine"
	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/pkg/broker/kite"
	"squareoff/pkg/config"
	"squareoff/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting exit engine on port %s (db: %s)", cfg.Port, cfg.DBPath)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := database.Queries()

	// Price feed: mock for local development, broker REST otherwise.
	var priceFeed feed.Feed
	var client *kite.Client
	if cfg.UseMockFeed {
		priceFeed = feed.NewMockFeed(100, 0.5)
		log.Println("mock feed enabled")
	} else {
		client = kite.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAccessToken)
		priceFeed = kite.NewFeed(client, "NSE")
		log.Printf("broker feed enabled (%s)", cfg.BrokerBaseURL)
	}

	// Order executor: paper unless live execution is switched on.
	var exec order.Executor
	if cfg.ExecutionEnabled && !cfg.UseMockFeed {
		if client == nil {
			client = kite.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAccessToken)
		}
		exec = kite.NewExecutor(client)
		log.Println("live order execution enabled")
	} else {
		exec = order.NewPaperExecutor()
		log.Println("paper order execution enabled")
	}

	// One dispatcher (and one token bucket) shared by every user's loop.
	dispatcher := order.NewDispatcher(
		exec,
		rate.Limit(cfg.OrderRateLimit),
		cfg.OrderRateBurst,
		cfg.OrderWaitTimeout,
		bus,
		queries,
	)

	sched := engine.NewScheduler(engine.SchedulerConfig{
		Store:       queries,
		Feed:        priceFeed,
		Dispatcher:  dispatcher,
		Bus:         bus,
		Interval:    cfg.TickInterval,
		RetryBudget: cfg.RetryBudget,
	})
	defer sched.Shutdown()

	// API
	server := api.NewServer(
		bus,
		database,
		sched,
		api.SystemMeta{
			UseMockFeed:      cfg.UseMockFeed,
			ExecutionEnabled: cfg.ExecutionEnabled,
			Version:          buildVersion,
		},
		api.AuthConfig{JWTSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
