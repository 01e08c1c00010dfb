package playback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/clock"
	"alarmclock/internal/ha"
)

// RegisterFunc tags a service call context with a purpose, typically
// TokenIndex.Register of the session driving the call.
type RegisterFunc func(ctx *ha.Context, purpose string)

type volumeEntry struct {
	itemID      string
	snapshot    float64
	hasSnapshot bool
	ready       bool
}

// VolumeManager keeps a per-player stack of volume overrides. Each item
// pushes the pre-override volume once when it applies; restores pop
// strictly from the top, so when overrides overlap the player unwinds to
// the volume that preceded the oldest one. An entry released out of
// order is marked ready and restored when it reaches the top.
type VolumeManager struct {
	device Device
	clk    clock.Clock
	logger *zap.Logger

	wakeAttempts int
	wakePoll     time.Duration

	mu     sync.Mutex
	stacks map[string][]*volumeEntry
}

func NewVolumeManager(device Device, clk clock.Clock, logger *zap.Logger, wakeAttempts int, wakePoll time.Duration) *VolumeManager {
	return &VolumeManager{
		device:       device,
		clk:          clk,
		logger:       logger.Named("volume"),
		wakeAttempts: wakeAttempts,
		wakePoll:     wakePoll,
		stacks:       make(map[string][]*volumeEntry),
	}
}

// Apply sets the player to target on behalf of itemID, snapshotting the
// current volume the first time this item applies. Re-applying for the
// same item just re-sends the target.
func (m *VolumeManager) Apply(player, itemID string, target float64, register RegisterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack := m.stacks[player]
	for _, e := range stack {
		if e.itemID == itemID {
			m.setVolume(player, target, PurposeVolume, register)
			return
		}
	}

	entry := &volumeEntry{itemID: itemID}
	if snapshot, ok := m.currentVolume(player, register); ok {
		entry.snapshot = snapshot
		entry.hasSnapshot = true
	} else {
		m.logger.Warn("No volume snapshot available, restore will be skipped",
			zap.String("player", player), zap.String("item", itemID))
	}

	m.stacks[player] = append(stack, entry)
	m.setVolume(player, target, PurposeVolume, register)
}

// Release marks itemID's override as done and restores every ready
// entry reachable from the top of the stack. Releasing an item with no
// entry is a no-op.
func (m *VolumeManager) Release(player, itemID string, register RegisterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack := m.stacks[player]
	found := false
	for _, e := range stack {
		if e.itemID == itemID {
			e.ready = true
			found = true
		}
	}
	if !found {
		return
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if !top.ready {
			break
		}
		stack = stack[:len(stack)-1]
		if top.hasSnapshot {
			m.setVolume(player, top.snapshot, PurposeVolumeRestore, register)
		}
	}

	if len(stack) == 0 {
		delete(m.stacks, player)
	} else {
		m.stacks[player] = stack
	}
}

// Depth reports how many overrides are stacked on a player.
func (m *VolumeManager) Depth(player string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks[player])
}

func (m *VolumeManager) setVolume(player string, level float64, purpose string, register RegisterFunc) {
	ctx, err := m.device.SetVolume(player, level)
	if err != nil {
		m.logger.Warn("Failed to set volume",
			zap.String("player", player), zap.Float64("level", level), zap.Error(err))
		return
	}
	if register != nil {
		register(ctx, purpose)
	}
}

// currentVolume reads the player's volume, waking it first when it is
// off. Waking is best effort; an unreadable volume just means no
// restore later.
func (m *VolumeManager) currentVolume(player string, register RegisterFunc) (float64, bool) {
	state, err := m.device.State(player)
	if err != nil {
		return 0, false
	}

	if state.State == "off" || state.State == "unavailable" {
		ctx, err := m.device.TurnOn(player)
		if err != nil {
			m.logger.Debug("Failed to wake player", zap.String("player", player), zap.Error(err))
			return 0, false
		}
		if register != nil {
			register(ctx, PurposeTurnOn)
		}
		for i := 0; i < m.wakeAttempts; i++ {
			<-m.clk.After(m.wakePoll)
			state, err = m.device.State(player)
			if err == nil && state.State != "off" && state.State != "unavailable" {
				break
			}
		}
	}

	if v, ok := attrFloat(state, "volume_level"); ok {
		return v, true
	}
	return 0, false
}
