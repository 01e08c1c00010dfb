package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"alarmclock/internal/clock"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireRecorder) fire(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, id)
}

func (f *fireRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func (f *fireRecorder) waitFor(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.snapshot()) >= count
	}, time.Second, 5*time.Millisecond)
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.MockClock, *fireRecorder) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC))
	rec := &fireRecorder{}
	return New(clk, logger, rec.fire), clk, rec
}

func TestScheduler_FiresAtTriggerTime(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(time.Hour))
	assert.True(t, s.Pending("alarm_1"))

	clk.Advance(59 * time.Minute)
	assert.Empty(t, rec.snapshot())

	clk.Advance(time.Minute)
	rec.waitFor(t, 1)
	assert.Equal(t, []string{"alarm_1"}, rec.snapshot())
	assert.False(t, s.Pending("alarm_1"))
}

func TestScheduler_PastTimeDispatchesImmediately(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(-time.Minute))
	rec.waitFor(t, 1)
	assert.False(t, s.Pending("alarm_1"))
}

func TestScheduler_RegisterReplacesTimer(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(time.Hour))
	s.Register("alarm_1", clk.Now().Add(2*time.Hour))

	at, ok := s.PendingAt("alarm_1")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(2*time.Hour), at)

	// The replaced timer must not fire
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	clk.Advance(time.Hour)
	rec.waitFor(t, 1)
	assert.Equal(t, []string{"alarm_1"}, rec.snapshot())
}

func TestScheduler_Cancel(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(time.Hour))
	assert.True(t, s.Cancel("alarm_1"))
	assert.False(t, s.Pending("alarm_1"))

	// Idempotent: cancelling again, or an unknown ID, is a no-op
	assert.False(t, s.Cancel("alarm_1"))
	assert.False(t, s.Cancel("never_registered"))

	clk.Advance(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestScheduler_IndependentTimers(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(time.Hour))
	s.Register("pay_bills", clk.Now().Add(30*time.Minute))

	clk.Advance(30 * time.Minute)
	rec.waitFor(t, 1)
	assert.Equal(t, []string{"pay_bills"}, rec.snapshot())
	assert.True(t, s.Pending("alarm_1"))

	clk.Advance(30 * time.Minute)
	rec.waitFor(t, 2)
}

func TestScheduler_Stop(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	s.Register("alarm_1", clk.Now().Add(time.Hour))
	s.Register("alarm_2", clk.Now().Add(time.Hour))
	s.Stop()

	clk.Advance(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
