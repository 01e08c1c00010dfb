package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/alarm"
	"alarmclock/internal/storage"
)

// ScheduleRequest creates a new item. Time is the first occurrence
// candidate; a zero Time lets alarms inherit the time of day of the most
// recently created alarm, falling back to the configured default.
type ScheduleRequest struct {
	Kind             alarm.Kind   `json:"kind"`
	Name             string       `json:"name,omitempty"`
	Message          string       `json:"message,omitempty"`
	Time             time.Time    `json:"time,omitempty"`
	Repeat           alarm.Repeat `json:"repeat,omitempty"`
	RepeatDays       []string     `json:"repeat_days,omitempty"`
	MediaPlayer      string       `json:"media_player,omitempty"`
	Sound            string       `json:"sound,omitempty"`
	NotifyDevice     string       `json:"notify_device,omitempty"`
	ActivationEntity string       `json:"activation_entity,omitempty"`
	// Volume accepts a 0..1 fraction or a 0..100 percentage
	Volume       *float64 `json:"volume,omitempty"`
	AnnounceTime bool     `json:"announce_time,omitempty"`
	AnnounceName bool     `json:"announce_name,omitempty"`
}

// Changes is a partial update for Edit and Reschedule. Nil fields keep
// the current value; ClearVolume drops the override entirely.
type Changes struct {
	Name             *string
	Message          *string
	Time             *time.Time
	Repeat           *alarm.Repeat
	RepeatDays       *[]string
	MediaPlayer      *string
	Sound            *string
	NotifyDevice     *string
	ActivationEntity *string
	Volume           *float64
	ClearVolume      bool
	AnnounceTime     *bool
	AnnounceName     *bool
}

// Schedule validates the request, allocates an id, computes the first
// occurrence, persists, and arms the trigger timer.
func (e *Engine) Schedule(req ScheduleRequest) (*alarm.Item, error) {
	if !alarm.ValidKind(req.Kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, req.Kind)
	}
	repeat := req.Repeat
	if repeat == "" {
		repeat = alarm.RepeatOnce
	}
	if !alarm.ValidRepeat(repeat) {
		return nil, fmt.Errorf("%w: unknown repeat %q", ErrValidation, repeat)
	}
	if repeat == alarm.RepeatCustom && alarm.WeekdaySet(repeat, req.RepeatDays) == nil {
		return nil, fmt.Errorf("%w: custom repeat needs at least one valid day", ErrValidation)
	}
	if req.Kind == alarm.KindReminder && strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: reminders need a name", ErrValidation)
	}

	player := req.MediaPlayer
	if player == "" {
		player = e.cfg.DefaultMediaPlayer
	}
	if player == "" {
		return nil, fmt.Errorf("%w: no media player configured", ErrValidation)
	}
	if _, err := e.resolver.Resolve(req.Sound, e.fallbackSound(req.Kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var volume *float64
	if req.Volume != nil {
		v, err := alarm.NormalizeVolume(*req.Volume)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		volume = &v
	}

	now := e.clk.Now()
	candidate := req.Time
	if candidate.IsZero() {
		if req.Kind == alarm.KindReminder {
			return nil, fmt.Errorf("%w: reminders need a time", ErrValidation)
		}
		candidate = e.defaultAlarmCandidate(now)
	}
	scheduled, ok := alarm.NextOccurrence(candidate, repeat, req.RepeatDays, now, false)
	if !ok {
		return nil, fmt.Errorf("%w: repeat allows no weekday", ErrValidation)
	}

	e.mu.Lock()
	id, err := e.allocateIDLocked(req.Kind, req.Name)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	item := &alarm.Item{
		ID:               id,
		Kind:             req.Kind,
		Name:             req.Name,
		Message:          req.Message,
		ScheduledTime:    scheduled,
		CanonicalTime:    scheduled,
		Repeat:           repeat,
		RepeatDays:       append([]string(nil), req.RepeatDays...),
		Status:           alarm.StatusScheduled,
		Enabled:          true,
		MediaPlayer:      player,
		Sound:            req.Sound,
		NotifyDevice:     req.NotifyDevice,
		ActivationEntity: req.ActivationEntity,
		VolumeOverride:   volume,
		AnnounceTime:     req.AnnounceTime,
		AnnounceName:     req.AnnounceName,
		CreatedAt:        now,
	}
	e.items[id] = item
	e.mu.Unlock()

	e.persist(item)
	e.sched.Register(id, scheduled)
	e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	e.logger.Info("Item scheduled",
		zap.String("id", id),
		zap.String("kind", string(req.Kind)),
		zap.Time("at", scheduled))
	return item.Clone(), nil
}

// Edit applies changes to an existing item, re-validating everything as
// if freshly scheduled and replacing the item atomically. Non-active
// items get their schedule recomputed and re-armed, which also revives
// expired or errored items when the changes give them a future time.
func (e *Engine) Edit(id string, changes Changes) (*alarm.Item, error) {
	return e.modify(id, changes, false)
}

// Reschedule is Edit for non-live items: it rejects items currently
// playing, and honors an explicit past time on a one-shot by expiring it
// instead of pushing it a day forward.
func (e *Engine) Reschedule(id string, changes Changes) (*alarm.Item, error) {
	return e.modify(id, changes, true)
}

func (e *Engine) modify(id string, changes Changes, reschedule bool) (*alarm.Item, error) {
	unlock := e.lockItem(id)
	defer unlock()

	current, ok := e.item(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reschedule && current.Live() {
		return nil, fmt.Errorf("%w: %s is playing, stop it first", ErrValidation, id)
	}

	candidate := current.Clone()
	timeChanged := applyChanges(candidate, changes)

	if !alarm.ValidRepeat(candidate.Repeat) {
		return nil, fmt.Errorf("%w: unknown repeat %q", ErrValidation, candidate.Repeat)
	}
	if candidate.Repeat == alarm.RepeatCustom && alarm.WeekdaySet(candidate.Repeat, candidate.RepeatDays) == nil {
		return nil, fmt.Errorf("%w: custom repeat needs at least one valid day", ErrValidation)
	}
	if candidate.Kind == alarm.KindReminder && strings.TrimSpace(candidate.Name) == "" {
		return nil, fmt.Errorf("%w: reminders need a name", ErrValidation)
	}
	if candidate.MediaPlayer == "" {
		candidate.MediaPlayer = e.cfg.DefaultMediaPlayer
	}
	if candidate.MediaPlayer == "" {
		return nil, fmt.Errorf("%w: no media player configured", ErrValidation)
	}
	if _, err := e.resolver.Resolve(candidate.Sound, e.fallbackSound(candidate.Kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if changes.Volume != nil {
		v, err := alarm.NormalizeVolume(*changes.Volume)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		candidate.VolumeOverride = &v
	}

	// Leave a live session and a snoozed or armed schedule alone unless
	// the timing inputs actually changed; reviving a settled item always
	// recomputes.
	revivable := candidate.Status == alarm.StatusStopped ||
		candidate.Status == alarm.StatusExpired ||
		candidate.Status == alarm.StatusError
	now := e.clk.Now()
	if !candidate.Live() && candidate.Status != alarm.StatusDisabled && (timeChanged || revivable) {
		if reschedule && !candidate.Repeat.IsRepeating() && timeChanged && !candidate.CanonicalTime.After(now) {
			// An explicitly requested past time on a one-shot expires it
			candidate.Status = alarm.StatusExpired
			e.sched.Cancel(id)
		} else {
			next, ok := alarm.NextOccurrence(candidate.CanonicalTime, candidate.Repeat, candidate.RepeatDays, now, false)
			if !ok {
				return nil, fmt.Errorf("%w: repeat allows no weekday", ErrValidation)
			}
			candidate.ScheduledTime = next
			candidate.CanonicalTime = next
			candidate.Status = alarm.StatusScheduled
			e.sched.Register(id, next)
		}
	}

	e.mu.Lock()
	e.items[id] = candidate
	e.mu.Unlock()
	e.persist(candidate)
	e.publish(Update{Action: "updated", ID: id, Item: candidate.Clone()})
	return candidate.Clone(), nil
}

// applyChanges copies set fields onto the candidate and reports whether
// the schedule inputs changed.
func applyChanges(item *alarm.Item, c Changes) bool {
	timeChanged := false
	if c.Name != nil {
		item.Name = *c.Name
	}
	if c.Message != nil {
		item.Message = *c.Message
	}
	if c.Time != nil {
		item.CanonicalTime = *c.Time
		item.ScheduledTime = *c.Time
		timeChanged = true
	}
	if c.Repeat != nil {
		item.Repeat = *c.Repeat
		timeChanged = true
	}
	if c.RepeatDays != nil {
		item.RepeatDays = append([]string(nil), (*c.RepeatDays)...)
		timeChanged = true
	}
	if c.MediaPlayer != nil {
		item.MediaPlayer = *c.MediaPlayer
	}
	if c.Sound != nil {
		item.Sound = *c.Sound
	}
	if c.NotifyDevice != nil {
		item.NotifyDevice = *c.NotifyDevice
	}
	if c.ActivationEntity != nil {
		item.ActivationEntity = *c.ActivationEntity
	}
	if c.ClearVolume {
		item.VolumeOverride = nil
	}
	if c.AnnounceTime != nil {
		item.AnnounceTime = *c.AnnounceTime
	}
	if c.AnnounceName != nil {
		item.AnnounceName = *c.AnnounceName
	}
	return timeChanged
}

// stopDedupeWindow treats stop calls landing within it as one command.
// A stop of an active repeating item immediately re-arms the next
// occurrence, so without the window a racing duplicate stop would read
// the fresh scheduled status and advance the schedule a second time.
const stopDedupeWindow = time.Second

// StopItem halts an item's occurrence: timer disarmed, session wound
// down, player silenced, volume restored, then the repeat outcome
// applied. Unknown ids and items that are neither active nor scheduled
// are no-ops.
func (e *Engine) StopItem(id, reason string) error {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		e.logger.Debug("Stop for unknown item", zap.String("id", id))
		return nil
	}

	if item.Status != alarm.StatusActive && item.Status != alarm.StatusScheduled {
		e.logger.Debug("Stop is a no-op",
			zap.String("id", id), zap.String("status", string(item.Status)))
		return nil
	}

	// A deduped stop must leave the just-re-armed timer alone, so the
	// window is evaluated before anything is disarmed
	now := e.clk.Now()
	if item.Status == alarm.StatusScheduled {
		e.mu.Lock()
		last, seen := e.recentStops[id]
		e.mu.Unlock()
		if seen && now.Sub(last) < stopDedupeWindow {
			e.logger.Debug("Duplicate stop ignored", zap.String("id", id))
			return nil
		}
	}

	e.sched.Cancel(id)
	e.teardownSession(item)

	e.mu.Lock()
	e.recentStops[id] = now
	e.mu.Unlock()

	e.applyStopOutcome(item, reason)
	return nil
}

// StopAll stops every active or scheduled item, optionally filtered by
// kind. Partial failures are logged and collected, not fatal.
func (e *Engine) StopAll(kind *alarm.Kind) error {
	var errs []error
	for _, id := range e.selectIDs(kind, true) {
		if err := e.StopItem(id, "stopped"); err != nil {
			e.logger.Warn("Stop failed", zap.String("id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Snooze stops the current occurrence and re-arms at now plus the snooze
// length, floored to the whole minute. The canonical anchor stays put,
// so the eventual real stop still reschedules from the configured time.
func (e *Engine) Snooze(id string, minutes int) error {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		e.logger.Debug("Snooze for unknown item", zap.String("id", id))
		return nil
	}
	if item.Status != alarm.StatusActive && item.Status != alarm.StatusScheduled {
		return fmt.Errorf("%w: %s is not running", ErrValidation, id)
	}

	e.sched.Cancel(id)
	e.teardownSession(item)

	now := e.clk.Now()
	at := now.Add(e.cfg.SnoozeDuration(minutes)).Truncate(time.Minute)
	item.ScheduledTime = at
	item.Status = alarm.StatusScheduled
	item.LastStopped = now

	e.persist(item)
	e.sched.Register(id, at)
	e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	e.logger.Info("Item snoozed", zap.String("id", id), zap.Time("until", at))
	return nil
}

// Delete removes an item entirely, stopping any running playback first.
// Unknown ids are a no-op.
func (e *Engine) Delete(id string) error {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		return nil
	}

	e.sched.Cancel(id)
	e.teardownSession(item)

	e.mu.Lock()
	delete(e.items, id)
	delete(e.recentStops, id)
	e.mu.Unlock()

	if err := e.store.Delete(context.Background(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Error("Failed to delete item from store",
			zap.String("id", id), zap.Error(err))
	}
	e.publish(Update{Action: "removed", ID: id})
	e.logger.Info("Item deleted", zap.String("id", id))
	return nil
}

// DeleteAll removes every item, optionally filtered by kind.
func (e *Engine) DeleteAll(kind *alarm.Kind) error {
	var errs []error
	for _, id := range e.selectIDs(kind, false) {
		if err := e.Delete(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if err := e.store.DeleteAll(context.Background(), kind); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Disable cancels the trigger and parks the item. A currently playing
// item keeps playing; disable only prevents future fires.
func (e *Engine) Disable(id string) error {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.sched.Cancel(id)
	item.Enabled = false
	if item.Status != alarm.StatusActive {
		item.Status = alarm.StatusDisabled
	}
	e.persist(item)
	e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	return nil
}

// Enable recomputes a valid future occurrence and re-arms the trigger.
func (e *Engine) Enable(id string) error {
	unlock := e.lockItem(id)
	defer unlock()

	item, ok := e.item(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	item.Enabled = true
	now := e.clk.Now()
	if !item.Repeat.IsRepeating() && item.CanonicalTime.Before(now) {
		item.Status = alarm.StatusExpired
	} else {
		next, ok := alarm.NextOccurrence(item.CanonicalTime, item.Repeat, item.RepeatDays, now, false)
		if !ok {
			item.Status = alarm.StatusExpired
		} else {
			item.ScheduledTime = next
			item.Status = alarm.StatusScheduled
			e.sched.Register(id, next)
		}
	}
	e.persist(item)
	e.publish(Update{Action: "updated", ID: id, Item: item.Clone()})
	return nil
}

// Get returns a copy of one item.
func (e *Engine) Get(id string) (*alarm.Item, error) {
	item, ok := e.item(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.Clone(), nil
}

// Items returns copies of every item, ordered by next occurrence.
func (e *Engine) Items() []*alarm.Item {
	e.mu.Lock()
	out := make([]*alarm.Item, 0, len(e.items))
	for _, item := range e.items {
		out = append(out, item.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// selectIDs lists item ids matching the kind filter, optionally only
// those with a live timer or session.
func (e *Engine) selectIDs(kind *alarm.Kind, runningOnly bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, item := range e.items {
		if kind != nil && item.Kind != *kind {
			continue
		}
		if runningOnly && item.Status != alarm.StatusActive && item.Status != alarm.StatusScheduled {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// allocateIDLocked picks a unique id. Alarms without a name get the next
// free alarm_N; named items get their slug, uniquified for alarms and
// rejected on collision for reminders. Caller holds e.mu.
func (e *Engine) allocateIDLocked(kind alarm.Kind, name string) (string, error) {
	name = strings.TrimSpace(name)

	if name == "" {
		n := 1
		for id := range e.items {
			rest, found := strings.CutPrefix(id, "alarm_")
			if !found {
				continue
			}
			if num, err := strconv.Atoi(rest); err == nil && num >= n {
				n = num + 1
			}
		}
		return fmt.Sprintf("alarm_%d", n), nil
	}

	slug := alarm.SlugifyName(name)
	if slug == "" {
		return "", fmt.Errorf("%w: name %q yields an empty id", ErrValidation, name)
	}
	if _, taken := e.items[slug]; !taken {
		return slug, nil
	}
	if kind == alarm.KindReminder {
		return "", fmt.Errorf("%w: a reminder named %q already exists", ErrValidation, name)
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", slug, n)
		if _, taken := e.items[candidate]; !taken {
			return candidate, nil
		}
	}
}

// defaultAlarmCandidate seeds a new alarm's time of day from the most
// recently created alarm, falling back to the configured default.
func (e *Engine) defaultAlarmCandidate(now time.Time) time.Time {
	var latest *alarm.Item
	e.mu.Lock()
	for _, item := range e.items {
		if item.Kind != alarm.KindAlarm {
			continue
		}
		if latest == nil || item.CreatedAt.After(latest.CreatedAt) {
			latest = item
		}
	}
	e.mu.Unlock()

	hour, minute := 7, 0
	if latest != nil {
		hour, minute = latest.CanonicalTime.Hour(), latest.CanonicalTime.Minute()
	} else if h, m, err := parseClock(e.cfg.DefaultAlarmTime); err == nil {
		hour, minute = h, m
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	return hour, minute, nil
}
