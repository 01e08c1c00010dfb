// Package alarm holds the scheduled item model shared by the scheduler,
// storage, and playback layers: alarms wake someone up with a looping
// sound, reminders announce a message and then play a ringtone.
package alarm

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Kind distinguishes the two item flavors
type Kind string

const (
	KindAlarm    Kind = "alarm"
	KindReminder Kind = "reminder"
)

// ValidKind reports whether k names a known item kind
func ValidKind(k Kind) bool {
	return k == KindAlarm || k == KindReminder
}

// Status is the lifecycle state of an item
type Status string

const (
	// StatusScheduled means a trigger timer is armed
	StatusScheduled Status = "scheduled"
	// StatusActive means playback is running right now
	StatusActive Status = "active"
	// StatusStopped means playback ended and no timer is armed yet
	StatusStopped Status = "stopped"
	// StatusExpired means a one-shot item ran out of future occurrences
	StatusExpired Status = "expired"
	// StatusDisabled means the item is kept but never fires
	StatusDisabled Status = "disabled"
	// StatusError means the last trigger failed to start playback
	StatusError Status = "error"
)

// Repeat selects which days an item recurs on
type Repeat string

const (
	RepeatOnce     Repeat = "once"
	RepeatDaily    Repeat = "daily"
	RepeatWeekdays Repeat = "weekdays"
	RepeatWeekends Repeat = "weekends"
	RepeatCustom   Repeat = "custom"
)

// ValidRepeat reports whether r names a known repeat mode
func ValidRepeat(r Repeat) bool {
	switch r {
	case RepeatOnce, RepeatDaily, RepeatWeekdays, RepeatWeekends, RepeatCustom:
		return true
	}
	return false
}

// IsRepeating reports whether r recurs after firing
func (r Repeat) IsRepeating() bool {
	return r != RepeatOnce && r != ""
}

// Item is one alarm or reminder. ScheduledTime is the next concrete
// occurrence; CanonicalTime is the user's configured anchor, preserved
// across snoozes so recurrence always derives from what was asked for.
type Item struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Name             string    `json:"name"`
	Message          string    `json:"message,omitempty"`
	ScheduledTime    time.Time `json:"scheduled_time"`
	CanonicalTime    time.Time `json:"canonical_time"`
	Repeat           Repeat    `json:"repeat"`
	RepeatDays       []string  `json:"repeat_days,omitempty"`
	Status           Status    `json:"status"`
	Enabled          bool      `json:"enabled"`
	MediaPlayer      string    `json:"media_player"`
	Sound            string    `json:"sound,omitempty"`
	NotifyDevice     string    `json:"notify_device,omitempty"`
	ActivationEntity string    `json:"activation_entity,omitempty"`
	VolumeOverride   *float64  `json:"volume_override,omitempty"`
	AnnounceTime     bool      `json:"announce_time"`
	AnnounceName     bool      `json:"announce_name"`
	CreatedAt        time.Time `json:"created_at"`
	LastTriggered    time.Time `json:"last_triggered,omitempty"`
	LastStopped      time.Time `json:"last_stopped,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers
func (i *Item) Clone() *Item {
	cp := *i
	if i.RepeatDays != nil {
		cp.RepeatDays = append([]string(nil), i.RepeatDays...)
	}
	if i.VolumeOverride != nil {
		v := *i.VolumeOverride
		cp.VolumeOverride = &v
	}
	return &cp
}

// Live reports whether playback for this item is running
func (i *Item) Live() bool {
	return i.Status == StatusActive
}

// NormalizeVolume accepts either a 0..1 fraction or a 0..100 percentage
// and returns the 0..1 form.
func NormalizeVolume(v float64) (float64, error) {
	if v < 0 {
		return 0, fmt.Errorf("volume %v out of range", v)
	}
	if v <= 1 {
		return v, nil
	}
	if v <= 100 {
		return v / 100, nil
	}
	return 0, fmt.Errorf("volume %v out of range", v)
}

// SlugifyName turns a display name into an identifier slug: lowercase,
// runs of non-alphanumerics collapse to single underscores.
func SlugifyName(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// HumanizeName turns a slug back into speakable words for announcements
func HumanizeName(name string) string {
	cleaned := strings.NewReplacer("_", " ", "-", " ").Replace(name)
	words := strings.Fields(cleaned)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
