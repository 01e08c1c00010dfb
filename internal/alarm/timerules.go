package alarm

import (
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWeekday maps a day name or common abbreviation to a weekday
func ParseWeekday(name string) (time.Weekday, bool) {
	w, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return w, ok
}

// WeekdaySet returns the set of weekdays the repeat mode allows firing
// on. A nil set means unconstrained: the once mode, or a custom mode
// whose day list contained nothing parseable.
func WeekdaySet(repeat Repeat, days []string) map[time.Weekday]bool {
	switch repeat {
	case RepeatDaily:
		return map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true, time.Saturday: true,
			time.Sunday: true,
		}
	case RepeatWeekdays:
		return map[time.Weekday]bool{
			time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true,
		}
	case RepeatWeekends:
		return map[time.Weekday]bool{
			time.Saturday: true, time.Sunday: true,
		}
	case RepeatCustom:
		set := make(map[time.Weekday]bool)
		for _, d := range days {
			if w, ok := ParseWeekday(d); ok {
				set[w] = true
			}
		}
		if len(set) == 0 {
			return nil
		}
		return set
	default:
		return nil
	}
}

// NextOccurrence moves candidate to the next valid occurrence relative
// to reference. The wall clock (hour and minute) of candidate is kept;
// only whole days are added, so the result survives DST transitions.
//
// For a repeating item the result is strictly after reference, landing
// on an allowed weekday, starting from the same day when its weekday is
// allowed and its time still lies ahead. With forceAdvance the current
// occurrence counts as consumed even if it is still in the future, which
// is what a reschedule after firing needs. For a one-shot item the
// candidate only moves forward by days until it is not before reference.
//
// The false return only happens when a custom day set allows no weekday
// at all after alignment, which cannot occur for the built-in modes.
func NextOccurrence(candidate time.Time, repeat Repeat, days []string, reference time.Time, forceAdvance bool) (time.Time, bool) {
	allowed := WeekdaySet(repeat, days)
	if repeat == RepeatCustom && allowed == nil {
		// Nothing parseable in the custom day list: treat as one-shot
		repeat = RepeatOnce
	}

	candidate, ok := alignWeekday(candidate, allowed)
	if !ok {
		return time.Time{}, false
	}

	if !repeat.IsRepeating() {
		for candidate.Before(reference) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, true
	}

	if forceAdvance && candidate.After(reference) {
		reference = candidate
	}
	for !candidate.After(reference) {
		candidate = candidate.AddDate(0, 0, 1)
		candidate, ok = alignWeekday(candidate, allowed)
		if !ok {
			return time.Time{}, false
		}
	}
	return candidate, true
}

// alignWeekday advances t by whole days until it lands on an allowed
// weekday. Today counts.
func alignWeekday(t time.Time, allowed map[time.Weekday]bool) (time.Time, bool) {
	if allowed == nil {
		return t, true
	}
	for i := 0; i < 7; i++ {
		if allowed[t.Weekday()] {
			return t, true
		}
		t = t.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}
