package playback

import (
	"math"
	"strings"

	"alarmclock/internal/config"
	"alarmclock/internal/ha"
)

// Verdict is the classification of a player state transition.
type Verdict int

const (
	// VerdictIgnore means the transition says nothing about our playback
	VerdictIgnore Verdict = iota
	// VerdictNatural means our playback reached its natural end
	VerdictNatural
	// VerdictManual means someone or something outside this process
	// stopped the player
	VerdictManual
)

// Tolerances are the configurable thresholds of the inference.
type Tolerances struct {
	// MinRemainingSeconds and RemainingFraction: an early stop counts
	// as manual when remaining play time exceeds
	// max(MinRemainingSeconds, duration*RemainingFraction)
	MinRemainingSeconds float64
	RemainingFraction   float64
	// BoundaryMinSeconds and BoundaryFraction: a pause counts as a
	// track completion when remaining time is within
	// max(BoundaryMinSeconds, duration*BoundaryFraction)
	BoundaryMinSeconds float64
	BoundaryFraction   float64
}

// TolerancesFrom lifts the playback config into inference thresholds
func TolerancesFrom(p config.PlaybackConfig) Tolerances {
	return Tolerances{
		MinRemainingSeconds: p.MinRemainingSeconds,
		RemainingFraction:   p.RemainingFraction,
		BoundaryMinSeconds:  p.BoundaryMinRemainingSeconds,
		BoundaryFraction:    p.BoundaryFraction,
	}
}

// Snapshot is what the session knew at the moment the transition
// arrived. Classify is pure: given the same states and snapshot it
// always answers the same, which is what makes the inference testable.
type Snapshot struct {
	// TTSActive: the announcement is (or was just) playing
	TTSActive bool
	// MediaStarted: the looping sound was confirmed playing
	MediaStarted bool
	// Family is the player's transport profile; "spotify" players pause
	// at track boundaries instead of going idle
	Family string
	// Purpose is what the transition's context was registered for, ""
	// when it carried none of ours
	Purpose string
	// Owned: the context belongs to a call this process made
	Owned bool
	// DurationHint is the expected sound length in seconds when the
	// player does not report media_duration
	DurationHint float64

	Tolerances Tolerances
}

// Idle reasons some integrations attach to the state change
var manualIdleReasons = map[string]bool{
	"STOPPED":      true,
	"CANCELLED":    true,
	"INTERRUPTED":  true,
	"ERROR":        true,
	"USER_STOPPED": true,
	"PLAYER_ERROR": true,
}

var naturalIdleReasons = map[string]bool{
	"FINISHED":     true,
	"END_OF_MEDIA": true,
}

// Classify decides what a transition into a non-playing state means.
// Transitions into playing states, or transitions caused by this
// process's own transport commands, say nothing and are ignored.
func Classify(oldState, newState *ha.State, s Snapshot) (Verdict, string) {
	if newState == nil {
		return VerdictIgnore, ""
	}
	switch newState.State {
	case "idle", "off", "standby", "paused":
	default:
		return VerdictIgnore, ""
	}

	// Our own stop, volume, and power commands land here too
	switch s.Purpose {
	case PurposeStop, PurposeVolume, PurposeVolumeRestore, PurposeTurnOn:
		return VerdictIgnore, "own_command"
	}

	// Explicit idle reason wins when the integration supplies one
	idleReason := strings.ToUpper(attrString(newState, "media_idle_reason"))
	if manualIdleReasons[idleReason] {
		return VerdictManual, "idle_reason_" + strings.ToLower(idleReason)
	}
	if naturalIdleReasons[idleReason] && (s.MediaStarted || s.TTSActive) {
		return VerdictNatural, "idle_reason_" + strings.ToLower(idleReason)
	}

	// A user context on the transition means a person acted
	if newState.Context != nil && newState.Context.UserID != "" && !s.Owned {
		return VerdictManual, "user_context"
	}

	// Announcement phase: pausing speech takes a person; ending is just
	// the announcement finishing
	if s.TTSActive && !s.MediaStarted {
		if newState.State == "paused" {
			return VerdictManual, "tts_paused"
		}
		return VerdictNatural, "tts_finished"
	}

	if s.MediaStarted {
		if newState.State == "paused" {
			if pausesAtTrackBoundary(s.Family) && looksLikeTrackCompletion(oldState, s) {
				return VerdictNatural, "track_boundary_pause"
			}
			return VerdictManual, "media_paused"
		}

		if remaining, duration, ok := remainingPlayTime(oldState, s); ok {
			threshold := math.Max(s.Tolerances.MinRemainingSeconds, duration*s.Tolerances.RemainingFraction)
			if remaining > threshold {
				return VerdictManual, "stopped_early"
			}
		}
		return VerdictNatural, "media_finished"
	}

	return VerdictIgnore, ""
}

// pausesAtTrackBoundary reports whether the family's players pause
// between tracks instead of going idle
func pausesAtTrackBoundary(family string) bool {
	return family == "spotify"
}

// looksLikeTrackCompletion checks whether the pre-transition position
// was close enough to the end to be the track running out
func looksLikeTrackCompletion(oldState *ha.State, s Snapshot) bool {
	remaining, duration, ok := remainingPlayTime(oldState, s)
	if !ok {
		return false
	}
	boundary := math.Max(s.Tolerances.BoundaryMinSeconds, duration*s.Tolerances.BoundaryFraction)
	return remaining <= boundary
}

// remainingPlayTime computes how much of the media was left when the
// player stopped, from the pre-transition state. The reported
// media_duration wins over the descriptor's hint.
func remainingPlayTime(oldState *ha.State, s Snapshot) (remaining, duration float64, ok bool) {
	if oldState == nil {
		return 0, 0, false
	}
	switch oldState.State {
	case "playing", "buffering", "paused":
	default:
		return 0, 0, false
	}

	duration, hasDuration := attrFloat(oldState, "media_duration")
	if !hasDuration || duration <= 0 {
		duration = s.DurationHint
	}
	position, hasPosition := attrFloat(oldState, "media_position")
	if duration <= 0 || !hasPosition || position < 0 {
		return 0, 0, false
	}

	remaining = duration - position
	if remaining < 0 {
		remaining = 0
	}
	return remaining, duration, true
}

func attrString(state *ha.State, key string) string {
	if state == nil || state.Attributes == nil {
		return ""
	}
	if v, ok := state.Attributes[key].(string); ok {
		return v
	}
	return ""
}

func attrFloat(state *ha.State, key string) (float64, bool) {
	if state == nil || state.Attributes == nil {
		return 0, false
	}
	switch v := state.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
