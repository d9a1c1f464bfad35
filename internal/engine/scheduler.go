package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"squareoff/internal/events"
	"squareoff/internal/feed"
	"squareoff/internal/order"
	"squareoff/internal/rules"
)

// Scheduler is the process-wide registry of running loops. It enforces at
// most one loop per user and owns start/stop lifecycle.
type Scheduler struct {
	store       rules.Store
	prices      feed.Feed
	dispatcher  *order.Dispatcher
	bus         *events.Bus
	interval    time.Duration
	retryBudget int
	now         func() time.Time

	mu    sync.Mutex
	loops map[string]*running
}

type running struct {
	loop      *Loop
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	stopping  bool
}

// SchedulerConfig wires the collaborators shared by all loops. The
// dispatcher (and its token bucket) is deliberately shared: the broker quota
// is global, not per user.
type SchedulerConfig struct {
	Store       rules.Store
	Feed        feed.Feed
	Dispatcher  *order.Dispatcher
	Bus         *events.Bus
	Interval    time.Duration
	RetryBudget int
	Now         func() time.Time
}

// NewScheduler creates a scheduler with no running loops.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Scheduler{
		store:       cfg.Store,
		prices:      cfg.Feed,
		dispatcher:  cfg.Dispatcher,
		bus:         cfg.Bus,
		interval:    cfg.Interval,
		retryBudget: cfg.RetryBudget,
		now:         cfg.Now,
		loops:       make(map[string]*running),
	}
}

// Start launches a loop for the user on its own goroutine. Starting an
// already-running user returns ErrAlreadyRunning, which callers treat as an
// idempotent no-op. A user whose previous loop is still draining counts as
// running until Stop returns.
func (s *Scheduler) Start(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loops[userID]; ok {
		return ErrAlreadyRunning
	}

	loop := NewLoop(LoopConfig{
		UserID:      userID,
		Interval:    s.interval,
		Rules:       rules.NewSet(userID, s.store),
		Feed:        s.prices,
		Dispatcher:  s.dispatcher,
		Bus:         s.bus,
		RetryBudget: s.retryBudget,
		Now:         s.now,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		loop:      loop,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.loops[userID] = r

	go func() {
		defer close(r.done)
		loop.Run(ctx)
	}()

	if s.bus != nil {
		s.bus.Publish(events.EventEngineStarted, userID)
	}
	log.Printf("scheduler: engine started for user %s", userID)
	return nil
}

// Stop signals cancellation and blocks until the in-flight tick, if any, has
// completed. Once Stop returns, no further order can be placed for the user.
// The entry stays in the registry until the loop has drained, so a Start
// racing a blocking Stop sees ErrAlreadyRunning instead of creating a second
// loop whose trigger records would not know about in-flight dispatches.
// Stopping an idle or already-stopping user returns ErrNotRunning.
func (s *Scheduler) Stop(userID string) error {
	s.mu.Lock()
	r, ok := s.loops[userID]
	if !ok || r.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r.stopping = true
	s.mu.Unlock()

	r.cancel()
	<-r.done

	s.mu.Lock()
	if cur, ok := s.loops[userID]; ok && cur == r {
		delete(s.loops, userID)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.EventEngineStopped, userID)
	}
	log.Printf("scheduler: engine stopped for user %s", userID)
	return nil
}

// Status reports the loop state for a user. A stopped user yields a zero
// Status with Running=false.
func (s *Scheduler) Status(userID string) Status {
	s.mu.Lock()
	r, ok := s.loops[userID]
	s.mu.Unlock()

	st := Status{UserID: userID}
	if !ok {
		return st
	}
	loaded, trades := r.loop.Counts()
	st.Running = true
	st.StartedAt = r.startedAt
	st.TickInterval = r.loop.interval
	st.RulesLoaded = loaded
	st.ActiveTrades = trades
	st.Ticks = r.loop.Ticks()
	return st
}

// ActiveTrades returns the live trade rows for a user, or nil when idle.
func (s *Scheduler) ActiveTrades(userID string) []TradeView {
	s.mu.Lock()
	r, ok := s.loops[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.loop.ActiveTrades()
}

// Running reports whether a loop exists for the user.
func (s *Scheduler) Running(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[userID]
	return ok
}

// Users lists the user ids with running loops.
func (s *Scheduler) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every running loop, blocking until all have drained.
func (s *Scheduler) Shutdown() {
	for _, id := range s.Users() {
		if err := s.Stop(id); err != nil {
			log.Printf("scheduler: shutdown stop %s: %v", id, err)
		}
	}
}
