// Package engine coordinates the whole alarm lifecycle: it owns the item
// table, arms trigger timers, starts playback sessions when they fire,
// and applies the repeat outcome when playback stops. All mutation for a
// given item is serialized through a per-item lock; different items
// proceed independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/alarm"
	"alarmclock/internal/clock"
	"alarmclock/internal/config"
	"alarmclock/internal/ha"
	"alarmclock/internal/media"
	"alarmclock/internal/notify"
	"alarmclock/internal/playback"
	"alarmclock/internal/scheduler"
	"alarmclock/internal/storage"
)

var (
	ErrNotFound   = errors.New("engine: item not found")
	ErrValidation = errors.New("engine: invalid request")
)

// Update is published on the state-change feed whenever an item is
// created, modified, or removed. Item is nil for removals.
type Update struct {
	Action string // "updated" or "removed"
	ID     string
	Item   *alarm.Item
}

// Deps are the collaborators the engine is built from. Everything is
// injected; the engine holds no global state.
type Deps struct {
	Client ha.HAClient
	Store  storage.Store
	Config *config.Config
	Clock  clock.Clock
	Logger *zap.Logger
}

type sessionHandle struct {
	session *playback.Session
}

// Engine is the command facade over scheduling and playback.
type Engine struct {
	client   ha.HAClient
	store    storage.Store
	cfg      *config.Config
	clk      clock.Clock
	logger   *zap.Logger
	device   playback.Device
	resolver *media.Resolver
	notifier *notify.Notifier
	tokens   *playback.TokenIndex
	volumes  *playback.VolumeManager
	sched    *scheduler.Scheduler

	mu          sync.Mutex
	items       map[string]*alarm.Item
	locks       map[string]*sync.Mutex
	sessions    map[string]*sessionHandle
	recentStops map[string]time.Time

	subsMu      sync.Mutex
	subscribers []chan Update

	actionSub ha.Subscription
}

func New(d Deps) *Engine {
	logger := d.Logger.Named("engine")
	device := playback.NewMediaHandler(d.Client, d.Logger, "")

	e := &Engine{
		client:   d.Client,
		store:    d.Store,
		cfg:      d.Config,
		clk:      d.Clock,
		logger:   logger,
		device:   device,
		resolver: media.NewResolver(d.Logger.Named("media"), d.Config.SoundDurations),
		notifier: notify.NewNotifier(d.Client, d.Logger),
		tokens:   playback.NewTokenIndex(d.Clock, d.Config.ContextTTL()),
		volumes: playback.NewVolumeManager(device, d.Clock, d.Logger,
			d.Config.Playback.WakeAttempts, d.Config.WakePoll()),
		items:       make(map[string]*alarm.Item),
		locks:       make(map[string]*sync.Mutex),
		sessions:    make(map[string]*sessionHandle),
		recentStops: make(map[string]time.Time),
	}
	e.sched = scheduler.New(d.Clock, logger.Named("scheduler"), e.handleTrigger)
	return e
}

// Start loads persisted items, normalizes their schedules forward, arms
// timers, resumes sessions for items that were active when the process
// last stopped, and subscribes to mobile notification actions.
func (e *Engine) Start(ctx context.Context) error {
	items, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	now := e.clk.Now()
	for _, item := range items {
		e.mu.Lock()
		e.items[item.ID] = item
		e.mu.Unlock()
		e.restoreItem(item, now)
	}

	sub, err := e.client.SubscribeEvents(notify.EventType, e.handleNotificationAction)
	if err != nil {
		e.logger.Warn("Notification actions unavailable", zap.Error(err))
	} else {
		e.actionSub = sub
	}

	e.logger.Info("Engine started", zap.Int("items", len(items)))
	return nil
}

// restoreItem reconciles one loaded item with the current time.
func (e *Engine) restoreItem(item *alarm.Item, now time.Time) {
	unlock := e.lockItem(item.ID)
	defer unlock()

	switch item.Status {
	case alarm.StatusActive:
		// The process died mid-playback; pick it back up
		e.logger.Info("Resuming active item", zap.String("id", item.ID))
		e.startSession(item, now)

	case alarm.StatusScheduled, alarm.StatusStopped:
		if !item.Repeat.IsRepeating() && item.ScheduledTime.Before(now) {
			item.Status = alarm.StatusExpired
			e.persist(item)
			e.publish(Update{Action: "updated", ID: item.ID, Item: item.Clone()})
			return
		}
		anchor := item.ScheduledTime
		if item.Status == alarm.StatusStopped {
			anchor = item.CanonicalTime
		}
		next, ok := alarm.NextOccurrence(anchor, item.Repeat, item.RepeatDays, now, false)
		if !ok {
			item.Status = alarm.StatusExpired
			e.persist(item)
			e.publish(Update{Action: "updated", ID: item.ID, Item: item.Clone()})
			return
		}
		if !next.Equal(item.ScheduledTime) || item.Status != alarm.StatusScheduled {
			item.ScheduledTime = next
			item.Status = alarm.StatusScheduled
			e.persist(item)
		}
		e.sched.Register(item.ID, next)

	case alarm.StatusExpired, alarm.StatusDisabled, alarm.StatusError:
		// Nothing to arm
	}
}

// Shutdown disarms timers and winds down running sessions without
// touching item status, so a restart resumes where this run left off.
func (e *Engine) Shutdown() {
	if e.actionSub != nil {
		e.actionSub.Unsubscribe()
	}
	e.sched.Stop()

	e.mu.Lock()
	handles := make([]*sessionHandle, 0, len(e.sessions))
	for id, h := range e.sessions {
		handles = append(handles, h)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.session.Stop()
		<-h.session.Done()
	}

	e.subsMu.Lock()
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
	e.subsMu.Unlock()

	e.logger.Info("Engine shut down")
}

// Subscribe returns a feed of item updates. The returned cancel func
// detaches the subscriber; slow consumers drop updates rather than
// blocking the engine.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	e.subsMu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		for i, c := range e.subscribers {
			if c == ch {
				e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (e *Engine) publish(u Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

// lockItem serializes all mutation of one item id.
func (e *Engine) lockItem(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *Engine) item(id string) (*alarm.Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.items[id]
	return item, ok
}

// persist writes the item through to storage. A failed write is logged;
// the in-memory copy stays authoritative until the next successful save.
func (e *Engine) persist(item *alarm.Item) {
	if err := e.store.Put(context.Background(), item); err != nil {
		e.logger.Error("Failed to persist item",
			zap.String("id", item.ID), zap.Error(err))
	}
}

// handleTrigger is the scheduler callback: the sole path from scheduled
// to active.
func (e *Engine) handleTrigger(id string) {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		e.logger.Debug("Trigger for unknown item", zap.String("id", id))
		return
	}

	if item.Status == alarm.StatusDisabled || !item.Enabled {
		// The occurrence is not consumed for repeating items
		if item.Repeat.IsRepeating() {
			item.Status = alarm.StatusDisabled
		} else {
			item.Status = alarm.StatusExpired
		}
		e.persist(item)
		e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
		return
	}
	if item.Status != alarm.StatusScheduled {
		e.logger.Debug("Stale trigger ignored",
			zap.String("id", id), zap.String("status", string(item.Status)))
		return
	}

	now := e.clk.Now()
	item.Status = alarm.StatusActive
	item.LastTriggered = now
	e.persist(item)
	e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	e.logger.Info("Item triggered",
		zap.String("id", id), zap.String("kind", string(item.Kind)))

	if err := e.notifier.Activate(item.ActivationEntity, id); err != nil {
		e.logger.Warn("Activation failed", zap.Error(err))
	}
	if item.NotifyDevice != "" {
		device, title, message := item.NotifyDevice, e.notifyTitle(item), e.notifyMessage(item, now)
		go func() {
			if err := e.notifier.Send(device, id, title, message); err != nil {
				e.logger.Warn("Notification failed", zap.String("id", id), zap.Error(err))
			}
		}()
	}

	e.startSession(item, now)
}

// startSession begins playback for an active item. Caller holds the
// item's lock.
func (e *Engine) startSession(item *alarm.Item, now time.Time) {
	desc, err := e.resolver.Resolve(item.Sound, e.fallbackSound(item.Kind))
	if err != nil {
		e.logger.Error("Cannot resolve sound, item errored",
			zap.String("id", item.ID), zap.Error(err))
		item.Status = alarm.StatusError
		e.persist(item)
		e.publish(Update{Action: "updated", ID: item.ID, Item: item.Clone()})
		return
	}

	sess := playback.NewSession(e.device, e.tokens, e.volumes, e.clk, e.logger, playback.SessionConfig{
		ItemID:       item.ID,
		Player:       item.MediaPlayer,
		Family:       e.cfg.PlayerFamily(item.MediaPlayer),
		Message:      e.announcementText(item, now),
		Sound:        desc,
		Volume:       item.VolumeOverride,
		StartTimeout: e.cfg.StartTimeout(),
		Tolerances:   playback.TolerancesFrom(e.cfg.Playback),
		OnManualStop: func(id, reason string) {
			if err := e.StopItem(id, reason); err != nil {
				e.logger.Error("Inferred stop failed", zap.String("id", id), zap.Error(err))
			}
		},
	})

	h := &sessionHandle{session: sess}
	e.mu.Lock()
	e.sessions[item.ID] = h
	e.mu.Unlock()

	go func() {
		sess.Run()
		e.sessionEnded(item.ID, h)
	}()
}

// sessionEnded runs after a session's Run returns. The ordinary paths
// (engine stop, snooze, delete, inferred manual stop) all go through
// StopItem, which takes the handle first; finding it still registered
// here means the session bailed out on its own, typically a failed
// player subscription, and the item must not stay active forever.
func (e *Engine) sessionEnded(id string, h *sessionHandle) {
	if h.session.ManualReported() {
		// StopItem(id, reason) is on its way with the inferred reason
		return
	}

	unlock := e.lockItem(id)
	defer unlock()

	e.mu.Lock()
	registered := e.sessions[id] == h
	if registered {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !registered {
		return
	}

	item, ok := e.item(id)
	if !ok {
		return
	}
	e.volumes.Release(item.MediaPlayer, id, e.tokens.Register)
	if item.Status == alarm.StatusActive {
		e.logger.Error("Playback session failed, item errored", zap.String("id", id))
		item.Status = alarm.StatusError
		e.persist(item)
		e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	}
}

// teardownSession stops a running session and silences the player.
// Caller holds the item's lock. Reports whether a session was running.
func (e *Engine) teardownSession(item *alarm.Item) bool {
	e.mu.Lock()
	h := e.sessions[item.ID]
	delete(e.sessions, item.ID)
	e.mu.Unlock()
	if h == nil {
		return false
	}

	h.session.Stop()
	<-h.session.Done()

	if ctx, err := e.device.Stop(item.MediaPlayer, e.cfg.PlayerFamily(item.MediaPlayer)); err != nil {
		e.logger.Warn("Failed to silence player",
			zap.String("player", item.MediaPlayer), zap.Error(err))
	} else {
		e.tokens.Register(ctx, playback.PurposeStop)
	}
	e.volumes.Release(item.MediaPlayer, item.ID, e.tokens.Register)
	return true
}

// applyStopOutcome settles an item after its occurrence ended: repeating
// items advance to the next occurrence computed from the canonical
// anchor, one-shots expire. Caller holds the item's lock.
func (e *Engine) applyStopOutcome(item *alarm.Item, reason string) {
	now := e.clk.Now()
	item.LastStopped = now

	if !item.Repeat.IsRepeating() {
		item.Status = alarm.StatusExpired
		e.logger.Info("Item expired",
			zap.String("id", item.ID), zap.String("reason", reason))
	} else if !item.Enabled {
		// Disabled mid-playback: park instead of re-arming
		item.Status = alarm.StatusDisabled
		e.logger.Info("Item parked disabled",
			zap.String("id", item.ID), zap.String("reason", reason))
	} else {
		next, ok := alarm.NextOccurrence(item.CanonicalTime, item.Repeat, item.RepeatDays, now, true)
		if !ok {
			item.Status = alarm.StatusExpired
			e.logger.Warn("No next occurrence, item expired", zap.String("id", item.ID))
		} else {
			item.ScheduledTime = next
			item.CanonicalTime = next
			item.Status = alarm.StatusScheduled
			e.sched.Register(item.ID, next)
			e.logger.Info("Item rescheduled",
				zap.String("id", item.ID),
				zap.String("reason", reason),
				zap.Time("next", next))
		}
	}

	e.persist(item)
	e.publish(Update{Action: "updated", ID: item.ID, Item: item.Clone()})
}

// handleNotificationAction routes mobile notification button taps. The
// tag carries the item id; work is dispatched off the client's event
// goroutine because stop and snooze both wait on session teardown.
func (e *Engine) handleNotificationAction(event *ha.Event) {
	action, ok := notify.ParseAction(event)
	if !ok {
		return
	}
	if _, known := e.item(action.Tag); !known {
		e.logger.Debug("Notification action for unknown tag", zap.String("tag", action.Tag))
		return
	}

	e.logger.Debug("Notification action",
		zap.String("action", action.Action), zap.String("item", action.Tag))
	switch action.Action {
	case notify.ActionStop:
		go func() {
			if err := e.StopItem(action.Tag, "stopped"); err != nil {
				e.logger.Error("Notification stop failed", zap.Error(err))
			}
		}()
	case notify.ActionSnooze:
		go func() {
			if err := e.Snooze(action.Tag, 0); err != nil {
				e.logger.Error("Notification snooze failed", zap.Error(err))
			}
		}()
	}
}

func (e *Engine) fallbackSound(kind alarm.Kind) string {
	if kind == alarm.KindReminder {
		return e.cfg.ReminderSound
	}
	return e.cfg.AlarmSound
}

func (e *Engine) notifyTitle(item *alarm.Item) string {
	if item.Name != "" {
		return alarm.HumanizeName(item.Name)
	}
	return e.cfg.NotifyTitle
}

func (e *Engine) notifyMessage(item *alarm.Item, now time.Time) string {
	if item.Message != "" {
		return item.Message
	}
	return "It's " + now.Format("3:04 PM")
}

// announcementText composes what gets spoken before the looping sound:
// an optional name prefix, an optional time clause, then the message.
// Auto-numbered alarm slugs are not worth speaking.
func (e *Engine) announcementText(item *alarm.Item, now time.Time) string {
	var parts []string

	display := ""
	if item.Name != "" {
		slug := alarm.SlugifyName(item.Name)
		if item.Kind == alarm.KindReminder || !autoSlug(slug, item.Kind) {
			display = alarm.HumanizeName(item.Name)
		}
	}
	switch {
	case item.Kind == alarm.KindAlarm && display != "" && item.AnnounceName:
		parts = append(parts, display+" alarm.")
	case item.Kind == alarm.KindReminder && display != "":
		parts = append(parts, "Time to "+display+".")
	}

	if item.AnnounceTime {
		parts = append(parts, "It's "+now.Format("3:04 PM"))
	}
	if item.Message != "" {
		parts = append(parts, item.Message)
	}

	return strings.Join(parts, " ")
}

// autoSlug reports whether a slug looks machine-allocated rather than a
// name the user picked.
func autoSlug(slug string, kind alarm.Kind) bool {
	return kind == alarm.KindAlarm && strings.HasPrefix(slug, "alarm_")
}
