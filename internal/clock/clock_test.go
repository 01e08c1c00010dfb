package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	var fired []string
	clk.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	clk.AfterFunc(1*time.Minute, func() { fired = append(fired, "a") })
	clk.AfterFunc(10*time.Minute, func() { fired = append(fired, "c") })

	clk.Advance(5 * time.Minute)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(5*time.Minute), clk.Now())

	clk.Advance(5 * time.Minute)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestMockClock_StopPreventsFiring(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))

	fired := false
	timer := clk.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	clk.Advance(2 * time.Minute)
	assert.False(t, fired)

	// Stopping again reports the timer was already dead.
	assert.False(t, timer.Stop())
}

func TestMockClock_Reset(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))

	count := 0
	timer := clk.AfterFunc(time.Minute, func() { count++ })
	clk.Advance(time.Minute)
	assert.Equal(t, 1, count)

	// A fired timer can be re-armed.
	assert.False(t, timer.Reset(time.Minute))
	clk.Advance(time.Minute)
	assert.Equal(t, 2, count)
}

func TestMockClock_After(t *testing.T) {
	clk := NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))

	ch := clk.After(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired before time advanced")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, clk.Now(), got)
	default:
		t.Fatal("channel did not fire")
	}
}

func TestMockClock_Set(t *testing.T) {
	start := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	fired := false
	clk.AfterFunc(time.Hour, func() { fired = true })

	clk.Set(start.Add(2 * time.Hour))
	assert.True(t, fired)
	assert.Equal(t, start.Add(2*time.Hour), clk.Now())

	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}
