package kite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"squareoff/internal/order"
)

// Executor places regular orders through the broker. It satisfies the
// dispatcher's executor contract and maps broker failures onto the
// dispatcher's taxonomy.
type Executor struct {
	Client  *Client
	Product string // MIS for intraday, CNC for delivery
}

// NewExecutor wraps a client as an order executor.
func NewExecutor(c *Client) *Executor {
	return &Executor{Client: c, Product: "MIS"}
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

// PlaceExit submits one exit order and returns the broker order id.
func (e *Executor) PlaceExit(ctx context.Context, req order.ExitRequest) (string, error) {
	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", req.Exchange)
	form.Set("transaction_type", req.Side)
	form.Set("order_type", req.OrderType)
	form.Set("quantity", strconv.Itoa(int(math.Round(req.Quantity))))
	form.Set("product", e.Product)
	form.Set("validity", "DAY")
	form.Set("tag", req.RuleID)
	if strings.EqualFold(req.OrderType, "LIMIT") && req.Price > 0 {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}

	var resp orderResponse
	err := e.Client.do(ctx, http.MethodPost, "/orders/regular",
		strings.NewReader(form.Encode()), true, &resp)
	if err != nil {
		return "", mapOrderError(err)
	}
	return resp.OrderID, nil
}

// mapOrderError folds broker failures into the dispatcher's taxonomy.
// Validation and margin failures are terminal rejections; timeouts and
// server-side faults stay retryable.
func mapOrderError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", order.ErrTimeout, err)
	}

	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.Code == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", order.ErrTimeout, err)
		case ae.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", order.ErrThrottled, err)
		case ae.Code >= 400 && ae.Code < 500:
			return fmt.Errorf("%w: %v", order.ErrRejected, err)
		}
		return err
	}

	// Network-level failures where the order fate is unknown count as
	// timeouts so the retry budget applies.
	return fmt.Errorf("%w: %v", order.ErrTimeout, err)
}

var _ order.Executor = (*Executor)(nil)
