package rules

// Decision is the outcome of evaluating one rule against a price.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionTakeProfit
	DecisionStopLoss
	// DecisionSquareOff is never produced by Evaluate; the engine injects it
	// when the time gate forces an unconditional exit.
	DecisionSquareOff
)

func (d Decision) String() string {
	switch d {
	case DecisionTakeProfit:
		return "TAKE_PROFIT"
	case DecisionStopLoss:
		return "STOP_LOSS"
	case DecisionSquareOff:
		return "SQUARE_OFF"
	default:
		return "NONE"
	}
}

// TrailingState carries the extreme favorable prices seen since entry.
// The watermarks are monotonic: Highest never decreases, Lowest never
// increases once seeded.
type TrailingState struct {
	Highest float64
	Lowest  float64
}

// Observe folds a new price into the watermarks.
func (t *TrailingState) Observe(price float64) {
	if price > t.Highest {
		t.Highest = price
	}
	if t.Lowest == 0 || price < t.Lowest {
		t.Lowest = price
	}
}

// extreme returns the favorable watermark for the position direction.
func (t *TrailingState) extreme(pos PositionType) float64 {
	if pos == Short {
		return t.Lowest
	}
	return t.Highest
}

// Evaluate decides whether the rule fires at the given price. It first folds
// the price into the trailing watermarks, then checks stop-loss before
// take-profit: when both would fire on the same tick the stop-loss wins,
// protecting capital first.
func Evaluate(r *Rule, price float64, ts *TrailingState) Decision {
	ts.Observe(price)

	if stopLossHit(r, price, ts) {
		return DecisionStopLoss
	}
	if takeProfitHit(r, price, ts) {
		return DecisionTakeProfit
	}
	return DecisionNone
}

func stopLossHit(r *Rule, price float64, ts *TrailingState) bool {
	slPrice := r.StopLossPrice()
	if slPrice == nil {
		return false
	}
	stop := *slPrice
	if r.StopLoss.Trail {
		stop = trailingStop(r, *slPrice, ts)
	}
	if r.PositionType == Short {
		return price >= stop
	}
	return price <= stop
}

// trailingStop recomputes the effective stop from the favorable extreme,
// clamped so it only tightens: it never drops back below the entry-derived
// stop, and the monotonic watermark keeps it from loosening between ticks.
func trailingStop(r *Rule, base float64, ts *TrailingState) float64 {
	step := r.StopLoss.TrailStep
	if step <= 0 {
		step = r.StopLoss.Value
	}
	if r.PositionType == Short {
		trailed := ts.extreme(Short) + step
		if trailed < base {
			return trailed
		}
		return base
	}
	trailed := ts.extreme(Long) - step
	if trailed > base {
		return trailed
	}
	return base
}

func takeProfitHit(r *Rule, price float64, ts *TrailingState) bool {
	tpPrice := r.TakeProfitPrice()
	if tpPrice == nil {
		return false
	}
	if r.TakeProfit.Trail {
		return trailingTakeProfitHit(r, *tpPrice, price, ts)
	}
	if r.PositionType == Short {
		return price <= *tpPrice
	}
	return price >= *tpPrice
}

// trailingTakeProfitHit arms once the favorable extreme crosses the TP
// threshold, then fires when price gives back TrailStep from the extreme.
// This lets a winner run instead of exiting at the first touch.
func trailingTakeProfitHit(r *Rule, target, price float64, ts *TrailingState) bool {
	step := r.TakeProfit.TrailStep
	if r.PositionType == Short {
		if ts.extreme(Short) > target {
			return false // not armed yet
		}
		return price >= ts.extreme(Short)+step
	}
	if ts.extreme(Long) < target {
		return false
	}
	return price <= ts.extreme(Long)-step
}
