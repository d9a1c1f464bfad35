package order

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"squareoff/internal/events"
)

// Dispatcher fronts the Executor with a token bucket shared across every
// user's engine loop, so the broker's global API quota is respected no matter
// how many loops fire at once. A dispatch blocks on the bucket for at most
// WaitTimeout; past that it returns ErrThrottled and the caller defers the
// rule's decision to the next tick instead of dropping it.
type Dispatcher struct {
	Exec        Executor
	Limiter     *rate.Limiter
	WaitTimeout time.Duration
	Bus         *events.Bus
	Store       Store
}

// NewDispatcher wires a dispatcher with a shared limiter of limit orders per
// second and the given burst.
func NewDispatcher(exec Executor, limit rate.Limit, burst int, waitTimeout time.Duration, bus *events.Bus, store Store) *Dispatcher {
	if waitTimeout <= 0 {
		waitTimeout = 2 * time.Second
	}
	return &Dispatcher{
		Exec:        exec,
		Limiter:     rate.NewLimiter(limit, burst),
		WaitTimeout: waitTimeout,
		Bus:         bus,
		Store:       store,
	}
}

// Dispatch places one exit order. The returned error is one of the package
// sentinels (possibly wrapped); a nil error means the broker accepted the
// order and the id is valid.
func (d *Dispatcher) Dispatch(ctx context.Context, req ExitRequest) (string, error) {
	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, d.WaitTimeout)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("dispatcher: rate limit wait exceeded for rule %s, deferring to next tick", req.RuleID)
			return "", ErrThrottled
		}
	}

	brokerID, err := d.Exec.PlaceExit(ctx, req)

	rec := Record{
		ID:            uuid.NewString(),
		RuleID:        req.RuleID,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          req.Side,
		Quantity:      req.Quantity,
		OrderType:     req.OrderType,
		Reason:        req.Reason,
		BrokerOrderID: brokerID,
		Status:        statusFor(err),
		CreatedAt:     time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if d.Store != nil {
		if serr := d.Store.CreateExitOrder(ctx, rec); serr != nil {
			log.Printf("dispatcher: store exit order for rule %s: %v", req.RuleID, serr)
		}
	}

	switch {
	case err == nil:
		log.Printf("dispatcher: placed %s %s qty=%.2f rule=%s reason=%s broker_id=%s",
			req.Side, req.Symbol, req.Quantity, req.RuleID, req.Reason, brokerID)
		d.publish(events.EventOrderPlaced, rec)
	case errors.Is(err, ErrRejected):
		log.Printf("dispatcher: rejected %s %s rule=%s: %v", req.Side, req.Symbol, req.RuleID, err)
		d.publish(events.EventOrderRejected, rec)
	case errors.Is(err, ErrTimeout):
		log.Printf("dispatcher: timeout %s %s rule=%s: %v", req.Side, req.Symbol, req.RuleID, err)
		d.publish(events.EventOrderFailed, rec)
	}
	return brokerID, err
}

func (d *Dispatcher) publish(e events.Event, payload any) {
	if d.Bus != nil {
		d.Bus.Publish(e, payload)
	}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return "PLACED"
	case errors.Is(err, ErrRejected):
		return "REJECTED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}
