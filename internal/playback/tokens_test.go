package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"alarmclock/internal/clock"
	"alarmclock/internal/ha"
)

func TestTokenIndex_RegisterAndLookup(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))
	idx := NewTokenIndex(clk, 2*time.Minute)

	idx.Register(&ha.Context{ID: "call-1"}, PurposeMedia)

	purpose, ok := idx.Purpose(&ha.Context{ID: "call-1"})
	assert.True(t, ok)
	assert.Equal(t, PurposeMedia, purpose)

	// Child contexts resolve through their parent
	purpose, ok = idx.Purpose(&ha.Context{ID: "other", ParentID: "call-1"})
	assert.True(t, ok)
	assert.Equal(t, PurposeMedia, purpose)

	assert.True(t, idx.Owns(&ha.Context{ID: "call-1"}))
	assert.False(t, idx.Owns(&ha.Context{ID: "stranger"}))
	assert.False(t, idx.Owns(nil))
}

func TestTokenIndex_ParentRegistration(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))
	idx := NewTokenIndex(clk, 2*time.Minute)

	idx.Register(&ha.Context{ID: "child", ParentID: "parent"}, PurposeTTS)

	_, ok := idx.Purpose(&ha.Context{ID: "parent"})
	assert.True(t, ok)
}

func TestTokenIndex_Expiry(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))
	idx := NewTokenIndex(clk, 2*time.Minute)

	idx.Register(&ha.Context{ID: "old"}, PurposeStop)

	clk.Advance(time.Minute)
	assert.True(t, idx.Owns(&ha.Context{ID: "old"}))

	clk.Advance(90 * time.Second)
	assert.False(t, idx.Owns(&ha.Context{ID: "old"}))
}

func TestTokenIndex_NilContext(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC))
	idx := NewTokenIndex(clk, 2*time.Minute)

	idx.Register(nil, PurposeMedia)
	_, ok := idx.Purpose(nil)
	assert.False(t, ok)
}
