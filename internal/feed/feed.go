// Package feed abstracts last-traded-price lookup from the broker.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable signals a transient feed failure. Affected rules are skipped
// for the tick and retried on the next one; it is never fatal to the loop.
var ErrUnavailable = errors.New("price feed unavailable")

// Quote is an ephemeral last-traded-price observation. It is never persisted.
type Quote struct {
	Symbol     string    `json:"symbol"`
	LastPrice  float64   `json:"last_price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Feed returns quotes for a batch of symbols in one call. Implementations may
// return a partial map together with ErrUnavailable when only some symbols
// failed; callers treat missing symbols as skips.
type Feed interface {
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
}
