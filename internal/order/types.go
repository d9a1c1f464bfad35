// Package order dispatches exit orders to the broker under a shared rate
// limit and records every attempt.
package order

import (
	"errors"
	"time"
)

// Dispatch failure taxonomy. Rejected is terminal for the rule; Timeout is
// retryable within the rule's retry budget; Throttled defers the decision to
// the next tick without consuming budget.
var (
	ErrRejected  = errors.New("order rejected by broker")
	ErrTimeout   = errors.New("order placement timed out")
	ErrThrottled = errors.New("order dispatch throttled")
)

// ExitRequest describes one exit instruction derived from a fired rule.
type ExitRequest struct {
	RuleID    string
	UserID    string
	Symbol    string
	Exchange  string
	Side      string // BUY closes a short, SELL closes a long
	Quantity  float64
	OrderType string // MARKET or LIMIT
	Price     float64
	Reason    string // TAKE_PROFIT, STOP_LOSS or SQUARE_OFF
}

// Record is the persisted trace of one dispatch attempt.
type Record struct {
	ID            string
	RuleID        string
	UserID        string
	Symbol        string
	Exchange      string
	Side          string
	Quantity      float64
	OrderType     string
	Reason        string
	BrokerOrderID string
	Status        string // PLACED, REJECTED, TIMEOUT
	Error         string
	CreatedAt     time.Time
}
