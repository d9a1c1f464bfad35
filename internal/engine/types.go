// Package engine runs one polling loop per user and the process-wide
// scheduler that owns loop lifecycles.
package engine

import (
	"errors"
	"time"
)

// Idempotent lifecycle conditions. The API layer maps both to no-ops.
var (
	ErrAlreadyRunning = errors.New("engine already running for user")
	ErrNotRunning     = errors.New("engine not running for user")
)

// Status is the scheduler's view of one user's loop.
type Status struct {
	UserID       string        `json:"user_id"`
	Running      bool          `json:"running"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	TickInterval time.Duration `json:"tick_interval,omitempty"`
	ActiveTrades int           `json:"active_trades"`
	RulesLoaded  int           `json:"rules_loaded"`
	Ticks        uint64        `json:"ticks"`
}

// TradeView is a live row describing one rule under evaluation, surfaced on
// the API and over the websocket.
type TradeView struct {
	RuleID       string   `json:"rule_id"`
	Name         string   `json:"name,omitempty"`
	Symbol       string   `json:"symbol"`
	Exchange     string   `json:"exchange,omitempty"`
	PositionType string   `json:"position_type"`
	Quantity     float64  `json:"quantity"`
	EntryPrice   float64  `json:"entry_price"`
	CurrentPrice float64  `json:"current_price"`
	TPPrice      *float64 `json:"tp_price,omitempty"`
	SLPrice      *float64 `json:"sl_price,omitempty"`
	PnL          float64  `json:"pnl"`
	Status       string   `json:"status"`
	TimeState    string   `json:"time_state"`
}
