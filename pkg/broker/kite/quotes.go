package kite

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"squareoff/internal/feed"
)

// Feed adapts the LTP endpoint to the engine's price feed. Symbols without
// an exchange prefix are qualified with DefaultExchange.
type Feed struct {
	Client          *Client
	DefaultExchange string
}

// NewFeed wraps a client as a price feed.
func NewFeed(c *Client, defaultExchange string) *Feed {
	if defaultExchange == "" {
		defaultExchange = "NSE"
	}
	return &Feed{Client: c, DefaultExchange: defaultExchange}
}

type ltpQuote struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// Quotes fetches last-traded prices for all symbols in one request. Symbols
// the broker does not know are simply missing from the result; a transport
// failure reports feed.ErrUnavailable so the caller can skip the cycle.
func (f *Feed) Quotes(ctx context.Context, symbols []string) (map[string]feed.Quote, error) {
	if len(symbols) == 0 {
		return map[string]feed.Quote{}, nil
	}

	params := url.Values{}
	for _, s := range symbols {
		params.Add("i", f.qualify(s))
	}

	var data map[string]ltpQuote
	if err := f.Client.do(ctx, http.MethodGet, "/quote/ltp?"+params.Encode(), nil, false, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrUnavailable, err)
	}

	now := time.Now()
	out := make(map[string]feed.Quote, len(data))
	for _, s := range symbols {
		q, ok := data[f.qualify(s)]
		if !ok {
			continue
		}
		out[s] = feed.Quote{Symbol: s, LastPrice: q.LastPrice, ObservedAt: now}
	}
	return out, nil
}

func (f *Feed) qualify(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	return f.DefaultExchange + ":" + symbol
}

var _ feed.Feed = (*Feed)(nil)
