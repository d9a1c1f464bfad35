package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeState is the result of gating a rule against the wall clock.
type TimeState int

const (
	// TimeOutsideWindow means the rule is skipped this tick with no state change.
	TimeOutsideWindow TimeState = iota
	// TimeActive means the rule proceeds to condition evaluation.
	TimeActive
	// TimeSquareOff forces an unconditional market exit, overriding TP/SL.
	TimeSquareOff
)

func (s TimeState) String() string {
	switch s {
	case TimeActive:
		return "ACTIVE"
	case TimeSquareOff:
		return "SQUARE_OFF"
	default:
		return "OUTSIDE_WINDOW"
	}
}

// Gate decides whether the window admits evaluation at the given time.
//
// The square-off check runs before the end-of-window check: square-off
// typically sits a few minutes past the trading window (15:20 vs a 15:15
// end) and must still force the exit on an active day.
func Gate(w *TimeWindow, now time.Time) TimeState {
	if w == nil {
		return TimeActive
	}
	if !w.activeOn(now.Weekday()) {
		return TimeOutsideWindow
	}

	minute := now.Hour()*60 + now.Minute()
	if start, ok := parseClock(w.StartTime); ok && minute < start {
		return TimeOutsideWindow
	}
	if sq, ok := parseClock(w.SquareOffTime); ok && minute >= sq {
		return TimeSquareOff
	}
	if end, ok := parseClock(w.EndTime); ok && minute > end {
		return TimeOutsideWindow
	}
	return TimeActive
}

// Closed reports whether the window has ended for the day without a pending
// square-off, meaning an untriggered rule should expire.
func (w *TimeWindow) Closed(now time.Time) bool {
	if w == nil || !w.activeOn(now.Weekday()) {
		return false
	}
	if _, ok := parseClock(w.SquareOffTime); ok {
		return false
	}
	end, ok := parseClock(w.EndTime)
	if !ok {
		return false
	}
	return now.Hour()*60+now.Minute() > end
}

func (w *TimeWindow) activeOn(day time.Weekday) bool {
	if len(w.ActiveDays) == 0 {
		return true
	}
	for _, d := range w.ActiveDays {
		if d == day {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// validClock reports whether s is a well-formed "HH:MM" clock value.
func validClock(s string) error {
	if _, ok := parseClock(s); !ok {
		return fmt.Errorf("invalid clock value %q, want HH:MM", s)
	}
	return nil
}
