// Package rules defines exit rules and the pure evaluation logic that decides
// when a position must be closed.
package rules

import "time"

// PositionType tells which direction the monitored position is.
type PositionType string

const (
	Long  PositionType = "LONG"
	Short PositionType = "SHORT"
)

// ConditionType defines how a TP/SL threshold is derived from the entry price.
type ConditionType string

const (
	// Absolute uses the configured value as the trigger price verbatim.
	Absolute ConditionType = "absolute"
	// Relative offsets the entry price by the configured value (points).
	Relative ConditionType = "relative"
	// Percentage scales the entry price by value percent.
	Percentage ConditionType = "percentage"
)

// Status is the lifecycle state of a rule.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusTriggered Status = "TRIGGERED"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether a rule in this status needs no further polling.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusExpired
}

// ExitCondition configures one side of the exit (take-profit or stop-loss).
// Value is interpreted according to ConditionType. When Trail is set, the
// threshold follows the best price seen since entry, giving back TrailStep.
type ExitCondition struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	ConditionType ConditionType `json:"condition_type" yaml:"condition_type"`
	Value         float64       `json:"value" yaml:"value"`
	OrderType     string        `json:"order_type,omitempty" yaml:"order_type,omitempty"`
	Trail         bool          `json:"trail,omitempty" yaml:"trail,omitempty"`
	TrailStep     float64       `json:"trail_step,omitempty" yaml:"trail_step,omitempty"`
}

// TimeWindow bounds when a rule is evaluated. Times are wall-clock "HH:MM".
// ActiveDays uses time.Weekday values.
type TimeWindow struct {
	StartTime     string         `json:"start_time" yaml:"start_time"`
	EndTime       string         `json:"end_time" yaml:"end_time"`
	SquareOffTime string         `json:"square_off_time,omitempty" yaml:"square_off_time,omitempty"`
	ActiveDays    []time.Weekday `json:"active_days" yaml:"active_days"`
}

// Default trading window, Indian market hours.
const (
	DefaultStartTime     = "09:15"
	DefaultEndTime       = "15:15"
	DefaultSquareOffTime = "15:20"
)

// DefaultWindow returns the window applied when a rule omits its time spec.
func DefaultWindow() *TimeWindow {
	return &TimeWindow{
		StartTime:     DefaultStartTime,
		EndTime:       DefaultEndTime,
		SquareOffTime: DefaultSquareOffTime,
		ActiveDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
	}
}

// Rule is one user-defined exit instruction for an open position.
//
// The definition fields are immutable while the rule is live; the runtime
// fields (Status, HighestPrice, LowestPrice, TriggerCount, LastTriggeredAt,
// LastError) are written back by the engine loop after each mutating tick.
type Rule struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Name         string       `json:"name"`
	Symbol       string       `json:"symbol"`
	Exchange     string       `json:"exchange"`
	PositionType PositionType `json:"position_type"`
	EntryPrice   float64      `json:"entry_price"`
	Quantity     float64      `json:"quantity"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`

	TakeProfit *ExitCondition `json:"take_profit,omitempty"`
	StopLoss   *ExitCondition `json:"stop_loss,omitempty"`
	Window     *TimeWindow    `json:"time_conditions,omitempty"`

	Status          Status     `json:"status"`
	HighestPrice    float64    `json:"highest_price"`
	LowestPrice     float64    `json:"lowest_price"`
	TriggerCount    int        `json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExitSide returns the order side that closes the position.
func (r *Rule) ExitSide() string {
	if r.PositionType == Short {
		return "BUY"
	}
	return "SELL"
}

// EffectiveWindow returns the rule's window or the defaults when unset.
func (r *Rule) EffectiveWindow() *TimeWindow {
	if r.Window != nil {
		return r.Window
	}
	return DefaultWindow()
}

// TakeProfitPrice derives the TP trigger price, or nil when TP is disabled.
func (r *Rule) TakeProfitPrice() *float64 {
	if r.TakeProfit == nil || !r.TakeProfit.Enabled {
		return nil
	}
	return threshold(r.TakeProfit, r.EntryPrice, r.PositionType, true)
}

// StopLossPrice derives the SL trigger price, or nil when SL is disabled.
func (r *Rule) StopLossPrice() *float64 {
	if r.StopLoss == nil || !r.StopLoss.Enabled {
		return nil
	}
	return threshold(r.StopLoss, r.EntryPrice, r.PositionType, false)
}

// threshold computes a trigger price. favorable means the threshold sits on
// the profitable side of entry (TP); otherwise on the losing side (SL).
func threshold(c *ExitCondition, entry float64, pos PositionType, favorable bool) *float64 {
	var p float64
	sign := 1.0
	if pos == Short {
		sign = -1.0
	}
	if !favorable {
		sign = -sign
	}
	switch c.ConditionType {
	case Absolute:
		p = c.Value
	case Relative:
		p = entry + sign*c.Value
	case Percentage:
		p = entry * (1 + sign*c.Value/100)
	default:
		return nil
	}
	return &p
}
