package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"alarmclock/internal/alarm"
	"alarmclock/internal/clock"
	"alarmclock/internal/config"
	"alarmclock/internal/ha"
	"alarmclock/internal/notify"
	"alarmclock/internal/storage"
)

const testPlayer = "media_player.bedroom"

// Monday, so weekday arithmetic is easy to follow
var baseTime = time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DefaultMediaPlayer = testPlayer
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *ha.MockClient, *clock.MockClock) {
	t.Helper()
	e, client, clk := newEngineWithStore(t, storage.NewMemoryStore())
	return e, client, clk
}

func newEngineWithStore(t *testing.T, store storage.Store) (*Engine, *ha.MockClient, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := ha.NewMockClient()
	client.SetState(testPlayer, "idle", map[string]interface{}{"volume_level": 0.5})
	clk := clock.NewMockClock(baseTime)

	e := New(Deps{
		Client: client,
		Store:  store,
		Config: testConfig(),
		Clock:  clk,
		Logger: logger,
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Shutdown)
	return e, client, clk
}

func waitStatus(t *testing.T, e *Engine, id string, status alarm.Status) *alarm.Item {
	t.Helper()
	var got *alarm.Item
	require.Eventually(t, func() bool {
		item, err := e.Get(id)
		if err != nil {
			return false
		}
		got = item
		return item.Status == status
	}, 3*time.Second, 5*time.Millisecond, "item %s never reached %s", id, status)
	return got
}

func waitForService(t *testing.T, client *ha.MockClient, service string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range client.GetServiceCalls() {
			if c.Service == service {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "service %s never called", service)
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestSchedule_AllocatesIDs(t *testing.T) {
	e, _, _ := newTestEngine(t)

	first, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0)})
	require.NoError(t, err)
	assert.Equal(t, "alarm_1", first.ID)

	second, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 8, 0)})
	require.NoError(t, err)
	assert.Equal(t, "alarm_2", second.ID)

	named, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Name: "Morning Run", Time: at(5, 9, 0)})
	require.NoError(t, err)
	assert.Equal(t, "morning_run", named.ID)

	// Alarm name collisions get uniquified
	again, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Name: "Morning Run", Time: at(5, 10, 0)})
	require.NoError(t, err)
	assert.Equal(t, "morning_run_2", again.ID)

	_, err = e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Time: at(5, 11, 0)})
	assert.ErrorIs(t, err, ErrValidation, "reminders need a name")

	rem, err := e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Name: "Pay Bills", Time: at(5, 11, 0)})
	require.NoError(t, err)
	assert.Equal(t, "pay_bills", rem.ID)

	// Reminder name collisions are rejected, not uniquified
	_, err = e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Name: "Pay Bills", Time: at(5, 12, 0)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSchedule_ComputesFirstOccurrence(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// Later today stays today
	daily, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	assert.Equal(t, at(5, 7, 0), daily.ScheduledTime)
	assert.Equal(t, at(5, 7, 0), daily.CanonicalTime)
	assert.True(t, e.sched.Pending(daily.ID))

	// A one-shot given yesterday's wall time lands on the next day it fits
	past, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(4, 7, 0)})
	require.NoError(t, err)
	assert.Equal(t, at(5, 7, 0), past.ScheduledTime)

	// Weekends repeat from a Monday lands on Saturday
	weekend, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 9, 0), Repeat: alarm.RepeatWeekends})
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, weekend.ScheduledTime.Weekday())

	_, err = e.Schedule(ScheduleRequest{
		Kind: alarm.KindAlarm, Time: at(5, 9, 0),
		Repeat: alarm.RepeatCustom, RepeatDays: []string{"noday"},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSchedule_NormalizesVolume(t *testing.T) {
	e, _, _ := newTestEngine(t)

	vol := 40.0
	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Volume: &vol})
	require.NoError(t, err)
	require.NotNil(t, item.VolumeOverride)
	assert.Equal(t, 0.4, *item.VolumeOverride)

	bad := 140.0
	_, err = e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 8, 0), Volume: &bad})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTrigger_ManualStopReschedulesDaily(t *testing.T) {
	e, client, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)
	assert.False(t, e.sched.Pending(id), "active item must not also hold a timer")
	waitForService(t, client, "play_media")

	playCtx := client.LastContext("media_player", "play_media")
	client.SimulateStateChange(testPlayer, "playing", map[string]interface{}{
		"media_duration": 180.0, "media_position": 2.0,
	}, playCtx)
	// Stopped two seconds into three minutes: that was a person
	client.SimulateStateChange(testPlayer, "idle", map[string]interface{}{}, nil)

	got := waitStatus(t, e, id, alarm.StatusScheduled)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime, "next daily occurrence")
	assert.Equal(t, 7, got.CanonicalTime.Hour(), "anchor wall time survives")
	assert.True(t, e.sched.Pending(id))

	e.mu.Lock()
	_, sessionAlive := e.sessions[id]
	e.mu.Unlock()
	assert.False(t, sessionAlive)
}

func TestStop_OneShotExpires(t *testing.T) {
	e, _, _ := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0)})
	require.NoError(t, err)

	require.NoError(t, e.StopItem(item.ID, "stopped"))

	got, err := e.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusExpired, got.Status)
	assert.False(t, e.sched.Pending(item.ID))
}

func TestStop_BeforeFiringSkipsOccurrence(t *testing.T) {
	e, _, _ := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)

	// Stopping a still-future occurrence consumes it silently
	require.NoError(t, e.StopItem(item.ID, "stopped"))

	got, err := e.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime)
	assert.True(t, e.sched.Pending(item.ID))
}

func TestSnooze_PreservesCanonicalAnchor(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)

	require.NoError(t, e.Snooze(id, 5))

	got, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.Equal(t, at(5, 7, 5), got.ScheduledTime)
	assert.Equal(t, at(5, 7, 0), got.CanonicalTime, "snooze must not move the anchor")
	assert.True(t, e.sched.Pending(id))

	// A real stop reschedules from the pre-snooze anchor
	require.NoError(t, e.StopItem(id, "stopped"))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime)
}

func TestStop_ConcurrentCallsAdvanceOnce(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.StopItem(id, "stopped"))
		}()
	}
	wg.Wait()

	got, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime, "schedule advanced exactly one day")
	assert.True(t, e.sched.Pending(id), "the re-armed timer must survive the losing stops")
}

func TestStop_DuplicateKeepsTimerArmed(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)

	require.NoError(t, e.StopItem(id, "stopped"))
	got, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime)
	require.True(t, e.sched.Pending(id))

	// A trailing duplicate, notification button double-tap style, must
	// neither advance the schedule nor disarm the fresh timer
	clk.Advance(10 * time.Millisecond)
	require.NoError(t, e.StopItem(id, "stopped"))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime, "duplicate stop must not advance")
	assert.True(t, e.sched.Pending(id), "duplicate stop must not disarm the timer")

	// Once the window passes, a stop is a deliberate skip again
	clk.Advance(2 * time.Second)
	require.NoError(t, e.StopItem(id, "stopped"))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, at(7, 7, 0), got.ScheduledTime)
	assert.True(t, e.sched.Pending(id))
}

func TestStop_DisabledWhileActiveParks(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)

	// Disabling mid-playback lets the current occurrence ring on
	require.NoError(t, e.Disable(id))
	got, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusActive, got.Status)
	assert.False(t, got.Enabled)

	// but the stop must park it instead of arming the next day
	require.NoError(t, e.StopItem(id, "stopped"))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusDisabled, got.Status)
	assert.False(t, e.sched.Pending(id), "a disabled item must not hold a timer")

	require.NoError(t, e.Enable(id))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.True(t, e.sched.Pending(id))
}

func TestStart_RestoresPersistedItems(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	stale := &alarm.Item{
		ID: "missed_once", Kind: alarm.KindReminder, Name: "missed once",
		ScheduledTime: at(4, 9, 0), CanonicalTime: at(4, 9, 0),
		Repeat: alarm.RepeatOnce, Status: alarm.StatusScheduled,
		Enabled: true, MediaPlayer: testPlayer, CreatedAt: at(4, 8, 0),
	}
	lapsed := &alarm.Item{
		ID: "alarm_1", Kind: alarm.KindAlarm,
		ScheduledTime: at(4, 7, 0), CanonicalTime: at(4, 7, 0),
		Repeat: alarm.RepeatDaily, Status: alarm.StatusScheduled,
		Enabled: true, MediaPlayer: testPlayer, CreatedAt: at(3, 7, 0),
	}
	future := &alarm.Item{
		ID: "alarm_2", Kind: alarm.KindAlarm,
		ScheduledTime: at(6, 7, 0), CanonicalTime: at(6, 7, 0),
		Repeat: alarm.RepeatOnce, Status: alarm.StatusScheduled,
		Enabled: true, MediaPlayer: testPlayer, CreatedAt: at(4, 7, 0),
	}
	require.NoError(t, store.Put(ctx, stale))
	require.NoError(t, store.Put(ctx, lapsed))
	require.NoError(t, store.Put(ctx, future))

	e, _, _ := newEngineWithStore(t, store)

	// A one-off already in the past expires immediately, no timer
	got, err := e.Get("missed_once")
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusExpired, got.Status)
	assert.False(t, e.sched.Pending("missed_once"))

	// A repeating item renormalizes to the next future occurrence
	got, err = e.Get("alarm_1")
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.Equal(t, at(5, 7, 0), got.ScheduledTime)
	assert.True(t, e.sched.Pending("alarm_1"))

	// A future one-off is re-armed as stored
	got, err = e.Get("alarm_2")
	require.NoError(t, err)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime)
	assert.True(t, e.sched.Pending("alarm_2"))
}

func TestDelete_RemovesItem(t *testing.T) {
	e, _, _ := newTestEngine(t)

	updates, cancel := e.Subscribe()
	defer cancel()

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0)})
	require.NoError(t, err)

	require.NoError(t, e.Delete(item.ID))

	_, err = e.Get(item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, e.sched.Pending(item.ID))

	var actions []string
	for len(updates) > 0 {
		actions = append(actions, (<-updates).Action)
	}
	assert.Contains(t, actions, "removed")

	// Deleting again is a no-op
	require.NoError(t, e.Delete(item.ID))
}

func TestDisableEnable(t *testing.T) {
	e, _, _ := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	require.NoError(t, e.Disable(id))
	got, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusDisabled, got.Status)
	assert.False(t, got.Enabled)
	assert.False(t, e.sched.Pending(id))
	assert.Equal(t, at(5, 7, 0), got.ScheduledTime, "disable keeps the stored time")

	require.NoError(t, e.Enable(id))
	got, err = e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.True(t, got.Enabled)
	assert.Equal(t, at(5, 7, 0), got.ScheduledTime)
	assert.True(t, e.sched.Pending(id))

	assert.ErrorIs(t, e.Disable("nope"), ErrNotFound)
	assert.ErrorIs(t, e.Enable("nope"), ErrNotFound)
}

func TestTrigger_DisabledItem(t *testing.T) {
	e, _, _ := newTestEngine(t)

	rep, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	once, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 8, 0)})
	require.NoError(t, err)

	require.NoError(t, e.Disable(rep.ID))
	require.NoError(t, e.Disable(once.ID))

	// A stale trigger racing the disable must not start playback
	e.handleTrigger(rep.ID)
	e.handleTrigger(once.ID)

	got, _ := e.Get(rep.ID)
	assert.Equal(t, alarm.StatusDisabled, got.Status, "repeating keeps its occurrence")
	got, _ = e.Get(once.ID)
	assert.Equal(t, alarm.StatusExpired, got.Status, "one-shot is spent")
}

func TestEdit_KeepsSnoozeUnlessTimeChanges(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)
	require.NoError(t, e.Snooze(id, 5))

	msg := "get up already"
	got, err := e.Edit(id, Changes{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, "get up already", got.Message)
	assert.Equal(t, at(5, 7, 5), got.ScheduledTime, "message edit keeps the snooze")

	newTime := at(5, 9, 30)
	got, err = e.Edit(id, Changes{Time: &newTime})
	require.NoError(t, err)
	assert.Equal(t, at(5, 9, 30), got.ScheduledTime)
	assert.Equal(t, at(5, 9, 30), got.CanonicalTime)

	_, err = e.Edit("nope", Changes{Message: &msg})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReschedule(t *testing.T) {
	e, _, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Name: "water plants", Time: at(5, 7, 0)})
	require.NoError(t, err)
	id := item.ID

	// An explicitly requested past time on a one-shot expires it
	past := at(4, 7, 0)
	got, err := e.Reschedule(id, Changes{Time: &past})
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusExpired, got.Status)
	assert.False(t, e.sched.Pending(id))

	// And a future time revives it
	futureTime := at(6, 7, 0)
	got, err = e.Reschedule(id, Changes{Time: &futureTime})
	require.NoError(t, err)
	assert.Equal(t, alarm.StatusScheduled, got.Status)
	assert.True(t, e.sched.Pending(id))

	clk.Set(at(6, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)
	_, err = e.Reschedule(id, Changes{Time: &futureTime})
	assert.ErrorIs(t, err, ErrValidation, "live items cannot be rescheduled")
}

func TestStopAll_ByKind(t *testing.T) {
	e, _, _ := newTestEngine(t)

	a, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	r, err := e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Name: "stretch", Time: at(5, 8, 0)})
	require.NoError(t, err)

	kind := alarm.KindReminder
	require.NoError(t, e.StopAll(&kind))

	got, _ := e.Get(r.ID)
	assert.Equal(t, alarm.StatusExpired, got.Status)
	got, _ = e.Get(a.ID)
	assert.Equal(t, alarm.StatusScheduled, got.Status, "other kind untouched")

	require.NoError(t, e.StopAll(nil))
	got, _ = e.Get(a.ID)
	assert.Equal(t, at(6, 7, 0), got.ScheduledTime)
}

func TestDeleteAll(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0)})
	require.NoError(t, err)
	_, err = e.Schedule(ScheduleRequest{Kind: alarm.KindReminder, Name: "stretch", Time: at(5, 8, 0)})
	require.NoError(t, err)

	kind := alarm.KindAlarm
	require.NoError(t, e.DeleteAll(&kind))
	require.Len(t, e.Items(), 1)
	assert.Equal(t, alarm.KindReminder, e.Items()[0].Kind)

	require.NoError(t, e.DeleteAll(nil))
	assert.Empty(t, e.Items())
}

func TestNotificationActions(t *testing.T) {
	e, client, clk := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{
		Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily,
		NotifyDevice: "mobile_app_pixel7",
	})
	require.NoError(t, err)
	id := item.ID

	clk.Set(at(5, 7, 0))
	waitStatus(t, e, id, alarm.StatusActive)
	waitForService(t, client, "mobile_app_pixel7")

	client.FireEvent(&ha.Event{
		EventType: notify.EventType,
		Data:      json.RawMessage(`{"action": "snooze", "tag": "` + id + `"}`),
	})

	got := waitStatus(t, e, id, alarm.StatusScheduled)
	assert.Equal(t, at(5, 7, 5), got.ScheduledTime, "default snooze minutes")
	assert.Equal(t, at(5, 7, 0), got.CanonicalTime)
}

func TestAnnouncementText(t *testing.T) {
	e, _, _ := newTestEngine(t)
	now := at(5, 7, 0)

	tests := []struct {
		name string
		item alarm.Item
		want string
	}{
		{
			name: "named alarm with everything",
			item: alarm.Item{
				Kind: alarm.KindAlarm, Name: "Workout",
				AnnounceName: true, AnnounceTime: true, Message: "Shoes are by the door",
			},
			want: "Workout alarm. It's 7:00 AM Shoes are by the door",
		},
		{
			name: "auto-numbered alarm skips the name",
			item: alarm.Item{
				Kind: alarm.KindAlarm, Name: "alarm_3",
				AnnounceName: true, AnnounceTime: true,
			},
			want: "It's 7:00 AM",
		},
		{
			name: "reminder prefixes time to",
			item: alarm.Item{Kind: alarm.KindReminder, Name: "water_plants"},
			want: "Time to Water Plants.",
		},
		{
			name: "name suppressed when flag off",
			item: alarm.Item{Kind: alarm.KindAlarm, Name: "Workout", Message: "Go"},
			want: "Go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.announcementText(&tt.item, now))
		})
	}
}

func TestStopItem_UnknownIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.NoError(t, e.StopItem("ghost", "stopped"))
	assert.NoError(t, e.Snooze("ghost", 5))
}

func TestSnooze_SettledItemRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0)})
	require.NoError(t, err)
	require.NoError(t, e.StopItem(item.ID, "stopped"))

	err = e.Snooze(item.ID, 5)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestShutdownStopsSessions(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := ha.NewMockClient()
	client.SetState(testPlayer, "idle", map[string]interface{}{"volume_level": 0.5})
	clk := clock.NewMockClock(baseTime)
	store := storage.NewMemoryStore()

	e := New(Deps{Client: client, Store: store, Config: testConfig(), Clock: clk, Logger: logger})
	require.NoError(t, e.Start(context.Background()))

	item, err := e.Schedule(ScheduleRequest{Kind: alarm.KindAlarm, Time: at(5, 7, 0), Repeat: alarm.RepeatDaily})
	require.NoError(t, err)
	clk.Set(at(5, 7, 0))
	waitStatus(t, e, item.ID, alarm.StatusActive)

	e.Shutdown()

	// Status stays active in storage so a restart resumes playback
	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, alarm.StatusActive, persisted[0].Status)
}
