package rules

import (
	"fmt"
	"time"
)

// ValidationError describes a malformed rule definition. Rules failing
// validation are rejected at creation and never reach the engine loop.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a rule definition before it is accepted into the store.
func Validate(r *Rule) error {
	if r.Symbol == "" {
		return invalid("symbol", "must not be empty")
	}
	if r.PositionType != Long && r.PositionType != Short {
		return invalid("position_type", "must be LONG or SHORT, got %q", r.PositionType)
	}
	if r.EntryPrice <= 0 {
		return invalid("entry_price", "must be positive, got %v", r.EntryPrice)
	}
	if r.Quantity <= 0 {
		return invalid("quantity", "must be positive, got %v", r.Quantity)
	}
	if r.TakeProfit == nil && r.StopLoss == nil && r.Window == nil {
		return invalid("conditions", "at least one of take_profit, stop_loss or time_conditions is required")
	}
	if err := validateCondition("take_profit", r.TakeProfit); err != nil {
		return err
	}
	if err := validateCondition("stop_loss", r.StopLoss); err != nil {
		return err
	}
	return validateWindow(r.Window)
}

func validateCondition(field string, c *ExitCondition) error {
	if c == nil || !c.Enabled {
		return nil
	}
	switch c.ConditionType {
	case Absolute, Relative, Percentage:
	default:
		return invalid(field, "unknown condition_type %q", c.ConditionType)
	}
	if c.Value <= 0 {
		return invalid(field, "value must be positive, got %v", c.Value)
	}
	if c.Trail && c.TrailStep < 0 {
		return invalid(field, "trail_step must not be negative, got %v", c.TrailStep)
	}
	return nil
}

func validateWindow(w *TimeWindow) error {
	if w == nil {
		return nil
	}
	for field, val := range map[string]string{
		"start_time":      w.StartTime,
		"end_time":        w.EndTime,
		"square_off_time": w.SquareOffTime,
	} {
		if val == "" {
			continue
		}
		if err := validClock(val); err != nil {
			return invalid(field, "%v", err)
		}
	}
	for _, d := range w.ActiveDays {
		if d < time.Sunday || d > time.Saturday {
			return invalid("active_days", "unknown weekday %d", d)
		}
	}
	return nil
}
