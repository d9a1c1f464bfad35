package rules

import (
	"testing"
	"time"
)

// clock builds a timestamp on the given weekday at HH:MM.
// 2026-08-03 is a Monday.
func clock(day time.Weekday, hour, min int) time.Time {
	base := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	for base.Weekday() != day {
		base = base.AddDate(0, 0, 1)
	}
	return time.Date(base.Year(), base.Month(), base.Day(), hour, min, 0, 0, time.UTC)
}

func TestGateDefaultWindow(t *testing.T) {
	w := DefaultWindow()

	tests := []struct {
		name string
		now  time.Time
		want TimeState
	}{
		{"before open", clock(time.Monday, 9, 0), TimeOutsideWindow},
		{"at open", clock(time.Monday, 9, 15), TimeActive},
		{"mid session", clock(time.Wednesday, 12, 30), TimeActive},
		{"at end", clock(time.Friday, 15, 15), TimeActive},
		{"between end and square-off", clock(time.Friday, 15, 17), TimeOutsideWindow},
		{"at square-off", clock(time.Monday, 15, 20), TimeSquareOff},
		{"after square-off", clock(time.Monday, 15, 45), TimeSquareOff},
		{"weekend", clock(time.Saturday, 12, 0), TimeOutsideWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Gate(w, tt.now); got != tt.want {
				t.Errorf("Gate(%s) = %s, want %s", tt.now.Format("Mon 15:04"), got, tt.want)
			}
		})
	}
}

func TestGateSquareOffBeatsEndOfWindow(t *testing.T) {
	// Square-off sits past the evaluation window; it must still fire on an
	// active day even though the window itself has ended.
	w := &TimeWindow{StartTime: "09:15", EndTime: "15:15", SquareOffTime: "15:20"}
	if got := Gate(w, clock(time.Tuesday, 15, 30)); got != TimeSquareOff {
		t.Errorf("Gate past square-off = %s, want SQUARE_OFF", got)
	}
}

func TestGateNilWindowAlwaysActive(t *testing.T) {
	if got := Gate(nil, clock(time.Sunday, 3, 0)); got != TimeActive {
		t.Errorf("Gate(nil) = %s, want ACTIVE", got)
	}
}

func TestGateNoActiveDaysMeansEveryDay(t *testing.T) {
	w := &TimeWindow{StartTime: "09:15", EndTime: "15:15"}
	if got := Gate(w, clock(time.Sunday, 12, 0)); got != TimeActive {
		t.Errorf("Gate on Sunday without ActiveDays = %s, want ACTIVE", got)
	}
}

func TestClosed(t *testing.T) {
	noSquareOff := &TimeWindow{
		StartTime:  "09:15",
		EndTime:    "15:15",
		ActiveDays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}

	tests := []struct {
		name string
		w    *TimeWindow
		now  time.Time
		want bool
	}{
		{"open session", noSquareOff, clock(time.Monday, 12, 0), false},
		{"past end without square-off", noSquareOff, clock(time.Monday, 15, 16), true},
		{"past end with square-off pending", DefaultWindow(), clock(time.Monday, 15, 16), false},
		{"inactive day", noSquareOff, clock(time.Sunday, 18, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Closed(tt.now); got != tt.want {
				t.Errorf("Closed(%s) = %v, want %v", tt.now.Format("Mon 15:04"), got, tt.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	valid := map[string]int{
		"00:00": 0,
		"09:15": 555,
		"23:59": 1439,
	}
	for s, want := range valid {
		got, ok := parseClock(s)
		if !ok || got != want {
			t.Errorf("parseClock(%q) = %d,%v, want %d,true", s, got, ok, want)
		}
	}

	for _, s := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		if _, ok := parseClock(s); ok {
			t.Errorf("parseClock(%q) should fail", s)
		}
	}
}
