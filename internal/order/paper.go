package order

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// PaperExecutor accepts every exit without broker I/O. Used when execution is
// disabled in config so the engine can run against live prices without
// touching the account.
type PaperExecutor struct {
	mu     sync.Mutex
	placed []ExitRequest
}

// NewPaperExecutor creates a paper executor.
func NewPaperExecutor() *PaperExecutor {
	return &PaperExecutor{}
}

// PlaceExit implements Executor.
func (p *PaperExecutor) PlaceExit(_ context.Context, req ExitRequest) (string, error) {
	p.mu.Lock()
	p.placed = append(p.placed, req)
	p.mu.Unlock()

	id := "paper-" + uuid.NewString()
	log.Printf("paper: exit %s %s qty=%.2f reason=%s (not sent to broker)",
		req.Side, req.Symbol, req.Quantity, req.Reason)
	return id, nil
}

// Placed returns a copy of the accepted requests, oldest first.
func (p *PaperExecutor) Placed() []ExitRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExitRequest, len(p.placed))
	copy(out, p.placed)
	return out
}
