package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/clock"
	"alarmclock/internal/ha"
	"alarmclock/internal/media"
)

// announceWaitCeiling bounds how long a cycle waits for an announcement
// to finish once it has started.
const announceWaitCeiling = 60 * time.Second

// playFailureBackoff spaces out retries when the play call itself fails.
const playFailureBackoff = 5 * time.Second

// StopReporter is told when the session inferred a manual stop. It is
// called at most once per session, on its own goroutine.
type StopReporter func(itemID, reason string)

// SessionConfig describes one playback run.
type SessionConfig struct {
	ItemID  string
	Player  string
	Family  string
	Message string
	Sound   media.Descriptor
	// Volume, when set, is applied through the volume manager before
	// the first cycle. The engine releases it after the session ends
	// and the transport is stopped.
	Volume       *float64
	StartTimeout time.Duration
	Tolerances   Tolerances
	OnManualStop StopReporter
}

type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan struct{})}
}

func (w *waiter) fire() {
	w.once.Do(func() { close(w.ch) })
}

// Session cycles announcement and looping sound until stopped. The state
// subscription feeds every player transition through Classify; a manual
// verdict reports once and halts the loop, a natural end of the sound
// starts the next cycle.
type Session struct {
	device  Device
	tokens  *TokenIndex
	volumes *VolumeManager
	clk     clock.Clock
	logger  *zap.Logger
	cfg     SessionConfig

	stopOnce   sync.Once
	manualOnce sync.Once
	manualSent atomic.Bool
	stopCh     chan struct{}
	done       chan struct{}

	mu             sync.Mutex
	ttsRequested   bool
	ttsActive      bool
	mediaRequested bool
	mediaStarted   bool
	ttsWait        *waiter
	announceDone   *waiter
	mediaWait      *waiter
	cycleEnd       chan struct{}
}

func NewSession(device Device, tokens *TokenIndex, volumes *VolumeManager, clk clock.Clock, logger *zap.Logger, cfg SessionConfig) *Session {
	return &Session{
		device:  device,
		tokens:  tokens,
		volumes: volumes,
		clk:     clk,
		logger:  logger.Named("session").With(zap.String("item", cfg.ItemID)),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until the session is stopped. It must be called once.
func (s *Session) Run() {
	defer close(s.done)

	sub, err := s.device.SubscribeState(s.cfg.Player, s.handleStateChange)
	if err != nil {
		s.logger.Error("Failed to subscribe to player state", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	if s.cfg.Volume != nil {
		s.volumes.Apply(s.cfg.Player, s.cfg.ItemID, *s.cfg.Volume, s.registerToken)
	}

	s.logger.Info("Playback session started", zap.String("player", s.cfg.Player))
	for !s.stopped() {
		s.runCycle()
	}
	s.logger.Info("Playback session ended")
}

// Stop halts the loop. Safe to call multiple times and from any
// goroutine; it does not wait for Run to return.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ManualReported reports whether a manual-stop dispatch is in flight or
// has already run. The owner uses it after Done to tell an inferred stop
// apart from a session that just returned.
func (s *Session) ManualReported() bool {
	return s.manualSent.Load()
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// registerToken is the RegisterFunc handed to the volume manager
func (s *Session) registerToken(ctx *ha.Context, purpose string) {
	s.tokens.Register(ctx, purpose)
}

func (s *Session) runCycle() {
	if s.cfg.Message != "" {
		s.announce()
		if s.stopped() {
			return
		}
	}
	s.playSound()
}

// announce speaks the message, waiting for it to start and then to
// finish. Failures just skip ahead to the sound.
func (s *Session) announce() {
	s.preStop()

	s.mu.Lock()
	s.ttsRequested = true
	s.ttsWait = newWaiter()
	s.announceDone = newWaiter()
	ttsWait, announceDone := s.ttsWait, s.announceDone
	s.mu.Unlock()

	ctx, err := s.device.Announce(s.cfg.Player, s.cfg.Message)
	if err != nil {
		s.logger.Warn("Announcement failed", zap.Error(err))
		s.mu.Lock()
		s.ttsRequested = false
		s.mu.Unlock()
		return
	}
	s.tokens.Register(ctx, PurposeTTS)

	if s.await(ttsWait.ch, s.cfg.StartTimeout) {
		s.await(announceDone.ch, announceWaitCeiling)
	} else {
		s.logger.Debug("Announcement never reported playing")
	}

	s.mu.Lock()
	s.ttsRequested = false
	s.ttsActive = false
	s.mu.Unlock()
}

// playSound starts the looping sound and blocks until it ends naturally
// or the session stops. A natural end returns so the loop can cycle.
func (s *Session) playSound() {
	s.preStop()

	s.mu.Lock()
	s.mediaRequested = true
	s.mediaStarted = false
	s.mediaWait = newWaiter()
	s.cycleEnd = make(chan struct{}, 1)
	mediaWait, cycleEnd := s.mediaWait, s.cycleEnd
	s.mu.Unlock()

	ctx, err := s.device.Play(s.cfg.Player, s.cfg.Sound)
	if err != nil {
		s.logger.Error("Failed to start sound", zap.Error(err))
		s.mu.Lock()
		s.mediaRequested = false
		s.mu.Unlock()
		s.await(nil, playFailureBackoff)
		return
	}
	s.tokens.Register(ctx, PurposeMedia)

	if !s.await(mediaWait.ch, s.cfg.StartTimeout) {
		// Some players never push a playing event; check once directly
		state, stateErr := s.device.State(s.cfg.Player)
		if stateErr != nil || (state.State != "playing" && state.State != "buffering") {
			s.logger.Warn("Sound never reported playing, retrying cycle")
			return
		}
		s.mu.Lock()
		s.mediaRequested = false
		s.mediaStarted = true
		s.mu.Unlock()
	}

	select {
	case <-s.stopCh:
	case <-cycleEnd:
		s.logger.Debug("Sound finished, looping")
	}
}

// preStop quiets the player before a new transport command so the
// started-event detection has a clean edge. The resulting transition is
// tagged as our own stop.
func (s *Session) preStop() {
	state, err := s.device.State(s.cfg.Player)
	if err != nil {
		return
	}
	switch state.State {
	case "playing", "buffering", "paused":
		ctx, err := s.device.Stop(s.cfg.Player, s.cfg.Family)
		if err != nil {
			s.logger.Debug("Pre-playback stop failed", zap.Error(err))
			return
		}
		s.tokens.Register(ctx, PurposeStop)
	}
}

// await waits for ch, the timeout, or session stop. A nil channel waits
// the full timeout.
func (s *Session) await(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-s.clk.After(timeout):
		return false
	case <-s.stopCh:
		return false
	}
}

// handleStateChange is the state subscription callback. It confirms
// playback starts, and classifies every transition out of playing.
func (s *Session) handleStateChange(entityID string, oldState, newState *ha.State) {
	if newState == nil || s.stopped() {
		return
	}

	purpose, owned := s.tokens.Purpose(newState.Context)

	switch newState.State {
	case "playing", "buffering":
		s.mu.Lock()
		switch {
		case purpose == PurposeTTS || (s.ttsRequested && purpose == ""):
			s.ttsRequested = false
			s.ttsActive = true
			if s.ttsWait != nil {
				s.ttsWait.fire()
			}
		case purpose == PurposeMedia || s.mediaRequested:
			s.mediaRequested = false
			s.mediaStarted = true
			if s.mediaWait != nil {
				s.mediaWait.fire()
			}
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	snap := Snapshot{
		TTSActive:    s.ttsActive,
		MediaStarted: s.mediaStarted,
		Family:       s.cfg.Family,
		Purpose:      purpose,
		Owned:        owned,
		DurationHint: s.cfg.Sound.DurationHint,
		Tolerances:   s.cfg.Tolerances,
	}
	s.mu.Unlock()

	verdict, reason := Classify(oldState, newState, snap)
	switch verdict {
	case VerdictManual:
		s.logger.Info("Manual stop inferred",
			zap.String("reason", reason), zap.String("state", newState.State))
		s.reportManual(reason)

	case VerdictNatural:
		s.mu.Lock()
		if s.ttsActive && !s.mediaStarted {
			s.ttsActive = false
			if s.announceDone != nil {
				s.announceDone.fire()
			}
		} else if s.mediaStarted {
			s.mediaStarted = false
			select {
			case s.cycleEnd <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

// reportManual dispatches the manual stop exactly once and halts the
// loop. The reporter runs on its own goroutine so it can call back into
// the engine without deadlocking against this session.
func (s *Session) reportManual(reason string) {
	s.manualOnce.Do(func() {
		s.manualSent.Store(true)
		if s.cfg.OnManualStop != nil {
			reporter := s.cfg.OnManualStop
			go reporter(s.cfg.ItemID, reason)
		}
	})
	s.Stop()
}
