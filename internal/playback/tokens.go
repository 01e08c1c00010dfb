// Package playback runs the audible part of a triggered item: an
// optional spoken announcement followed by a looping sound, watching the
// player's state to tell someone pressing stop apart from the sound
// simply reaching its end.
package playback

import (
	"sync"
	"time"

	"alarmclock/internal/clock"
	"alarmclock/internal/ha"
)

// Purposes attached to service call contexts
const (
	PurposeTTS           = "tts"
	PurposeMedia         = "media"
	PurposeStop          = "stop"
	PurposeVolume        = "volume"
	PurposeVolumeRestore = "volume_restore"
	PurposeTurnOn        = "turn_on"
)

type tokenEntry struct {
	purpose string
	at      time.Time
}

// TokenIndex correlates incoming state change contexts with the service
// calls this process made. Entries expire after a TTL so a stale context
// can never swallow a genuine manual stop.
type TokenIndex struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]tokenEntry
}

func NewTokenIndex(clk clock.Clock, ttl time.Duration) *TokenIndex {
	return &TokenIndex{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]tokenEntry),
	}
}

// Register remembers the context (and its parent) as caused by a call
// made for the given purpose. Nil contexts are ignored.
func (t *TokenIndex) Register(ctx *ha.Context, purpose string) {
	if ctx == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()
	now := t.clk.Now()
	if ctx.ID != "" {
		t.entries[ctx.ID] = tokenEntry{purpose: purpose, at: now}
	}
	if ctx.ParentID != "" {
		t.entries[ctx.ParentID] = tokenEntry{purpose: purpose, at: now}
	}
}

// Purpose looks the context up by its ID or parent ID and returns the
// purpose it was registered under.
func (t *TokenIndex) Purpose(ctx *ha.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()
	if ctx.ID != "" {
		if e, ok := t.entries[ctx.ID]; ok {
			return e.purpose, true
		}
	}
	if ctx.ParentID != "" {
		if e, ok := t.entries[ctx.ParentID]; ok {
			return e.purpose, true
		}
	}
	return "", false
}

// Owns reports whether the context came from a call this index tracked.
func (t *TokenIndex) Owns(ctx *ha.Context) bool {
	_, ok := t.Purpose(ctx)
	return ok
}

func (t *TokenIndex) pruneLocked() {
	cutoff := t.clk.Now().Add(-t.ttl)
	for id, e := range t.entries {
		if e.at.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}
