// Package state owns the runtime lifecycle of rules under evaluation. Each
// rule has one Record in an arena; the trigger transition is a compare-and-set
// on the status word, so the hot path stays lock-free except at the trigger
// boundary and a rule can enter TRIGGERED exactly once even when evaluation
// passes race.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"squareoff/internal/rules"
)

// Phase is a lifecycle state, kept as an int32 so transitions can use atomics.
type Phase int32

const (
	PhasePending Phase = iota
	PhaseActive
	PhaseTriggered
	PhaseDone
	PhaseFailed
	PhaseExpired
)

// Terminal reports whether no further polling is needed.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseExpired
}

// Status converts the phase to the persisted rule status.
func (p Phase) Status() rules.Status {
	switch p {
	case PhaseActive:
		return rules.StatusActive
	case PhaseTriggered:
		return rules.StatusTriggered
	case PhaseDone:
		return rules.StatusDone
	case PhaseFailed:
		return rules.StatusFailed
	case PhaseExpired:
		return rules.StatusExpired
	default:
		return rules.StatusPending
	}
}

func phaseOf(s rules.Status) Phase {
	switch s {
	case rules.StatusActive:
		return PhaseActive
	case rules.StatusTriggered:
		return PhaseTriggered
	case rules.StatusDone:
		return PhaseDone
	case rules.StatusFailed:
		return PhaseFailed
	case rules.StatusExpired:
		return PhaseExpired
	default:
		return PhasePending
	}
}

// Record is the runtime state of one rule. The status word is the only field
// touched concurrently; trailing watermarks and bookkeeping are owned by the
// user's engine loop, which runs ticks strictly sequentially.
type Record struct {
	RuleID string

	phase   atomic.Int32
	retries atomic.Int32

	// Loop-owned fields, not safe for concurrent access.
	Trailing        rules.TrailingState
	Decision        rules.Decision
	TriggerCount    int
	LastTriggeredAt time.Time
	LastError       string
}

// Phase returns the current lifecycle phase.
func (r *Record) Phase() Phase {
	return Phase(r.phase.Load())
}

// Activate moves PENDING to ACTIVE once the rule enters its window.
func (r *Record) Activate() bool {
	return r.phase.CompareAndSwap(int32(PhasePending), int32(PhaseActive))
}

// TryTrigger is the single-flight guard: only the caller that wins the
// ACTIVE→TRIGGERED swap may dispatch the exit order. Losers must no-op.
func (r *Record) TryTrigger() bool {
	return r.phase.CompareAndSwap(int32(PhaseActive), int32(PhaseTriggered))
}

// Defer reverts TRIGGERED to ACTIVE when dispatch was throttled before the
// order reached the broker. Unlike Retry it consumes no budget: the decision
// was postponed, not attempted.
func (r *Record) Defer() {
	r.phase.CompareAndSwap(int32(PhaseTriggered), int32(PhaseActive))
}

// Complete marks the dispatched order as confirmed.
func (r *Record) Complete() {
	r.phase.Store(int32(PhaseDone))
}

// Retry reverts TRIGGERED to ACTIVE after a recoverable dispatch failure and
// reports whether the retry budget still allows another attempt. When the
// budget is exhausted the record moves to FAILED instead.
func (r *Record) Retry(budget int, cause error) bool {
	if cause != nil {
		r.LastError = cause.Error()
	}
	if int(r.retries.Add(1)) > budget {
		r.phase.Store(int32(PhaseFailed))
		return false
	}
	r.phase.CompareAndSwap(int32(PhaseTriggered), int32(PhaseActive))
	return true
}

// Fail marks the record terminally failed (order rejected).
func (r *Record) Fail(cause error) {
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.phase.Store(int32(PhaseFailed))
}

// Expire moves PENDING or ACTIVE to EXPIRED once the window closes with no
// trigger. Returns false if the rule already left those states.
func (r *Record) Expire() bool {
	if r.phase.CompareAndSwap(int32(PhasePending), int32(PhaseExpired)) {
		return true
	}
	return r.phase.CompareAndSwap(int32(PhaseActive), int32(PhaseExpired))
}

// Retries returns the attempts consumed so far.
func (r *Record) Retries() int {
	return int(r.retries.Load())
}

// Arena indexes records by rule id.
type Arena struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{recs: make(map[string]*Record)}
}

// Ensure returns the record for a rule, creating it seeded from the rule's
// persisted status and watermarks on first sight.
func (a *Arena) Ensure(r *rules.Rule) *Record {
	a.mu.RLock()
	rec, ok := a.recs[r.ID]
	a.mu.RUnlock()
	if ok {
		return rec
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok = a.recs[r.ID]; ok {
		return rec
	}
	rec = &Record{
		RuleID:       r.ID,
		TriggerCount: r.TriggerCount,
		LastError:    r.LastError,
		Trailing: rules.TrailingState{
			Highest: r.HighestPrice,
			Lowest:  r.LowestPrice,
		},
	}
	if r.LastTriggeredAt != nil {
		rec.LastTriggeredAt = *r.LastTriggeredAt
	}
	rec.phase.Store(int32(phaseOf(r.Status)))
	a.recs[r.ID] = rec
	return rec
}

// Get returns the record for a rule id, or nil.
func (a *Arena) Get(ruleID string) *Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recs[ruleID]
}

// Remove drops a record, e.g. when its rule is deleted.
func (a *Arena) Remove(ruleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.recs, ruleID)
}

// Len returns the number of tracked records.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.recs)
}
