// Package scheduler owns the trigger timers: at most one armed timer per
// item, firing into a callback on its own goroutine.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/clock"
)

// TriggerFunc receives the item ID whose timer elapsed.
type TriggerFunc func(id string)

type entry struct {
	timer clock.Timer
	at    time.Time
}

// Scheduler arms one timer per item ID. Registering again replaces the
// previous timer; a due-or-past time dispatches immediately. Handlers
// always run on their own goroutine, never inline in the timer callback.
type Scheduler struct {
	clk    clock.Clock
	logger *zap.Logger
	fire   TriggerFunc

	mu     sync.Mutex
	timers map[string]*entry
}

func New(clk clock.Clock, logger *zap.Logger, fire TriggerFunc) *Scheduler {
	return &Scheduler{
		clk:    clk,
		logger: logger,
		fire:   fire,
		timers: make(map[string]*entry),
	}
}

// Register arms (or re-arms) the trigger for id at the given time.
func (s *Scheduler) Register(id string, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
		delete(s.timers, id)
	}

	delay := at.Sub(s.clk.Now())
	if delay <= 0 {
		s.mu.Unlock()
		s.logger.Debug("Trigger time already due, dispatching",
			zap.String("id", id), zap.Time("at", at))
		go s.fire(id)
		return
	}

	e := &entry{at: at}
	e.timer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] == e {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		go s.fire(id)
	})
	s.timers[id] = e
	s.mu.Unlock()

	s.logger.Debug("Trigger armed", zap.String("id", id), zap.Time("at", at))
}

// Cancel disarms the trigger for id. It reports whether a timer was
// actually pending; cancelling an unknown ID is a no-op.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending reports whether a timer is currently armed for id.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// PendingAt returns the armed trigger time for id, if any.
func (s *Scheduler) PendingAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Stop disarms every timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}
