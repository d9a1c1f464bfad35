package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockFeed serves synthetic quotes for local development and tests. Prices
// follow a simple random walk per symbol unless pinned with SetPrice.
type MockFeed struct {
	StartPrice float64
	Step       float64

	mu     sync.Mutex
	prices map[string]float64
	pinned map[string]bool
	fail   bool
}

// NewMockFeed creates a mock feed with the given starting price.
func NewMockFeed(startPrice, step float64) *MockFeed {
	if startPrice == 0 {
		startPrice = 100.0
	}
	if step == 0 {
		step = 0.5
	}
	return &MockFeed{
		StartPrice: startPrice,
		Step:       step,
		prices:     make(map[string]float64),
		pinned:     make(map[string]bool),
	}
}

// Quotes implements Feed.
func (m *MockFeed) Quotes(_ context.Context, symbols []string) (map[string]Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return nil, ErrUnavailable
	}

	now := time.Now()
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		price, ok := m.prices[sym]
		if !ok {
			price = m.StartPrice
		}
		if !m.pinned[sym] {
			price += (rand.Float64()*2 - 1) * m.Step
		}
		m.prices[sym] = price
		out[sym] = Quote{Symbol: sym, LastPrice: price, ObservedAt: now}
	}
	return out, nil
}

// SetPrice pins a symbol to a fixed price until the next SetPrice call.
func (m *MockFeed) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.pinned[symbol] = true
}

// SetUnavailable toggles simulated feed outage.
func (m *MockFeed) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = down
}
