// Package media turns the opaque sound reference stored on an item into
// something a media_player can actually play.
package media

import (
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"alarmclock/internal/alarm"
)

// Descriptor kinds
const (
	KindFile           = "file"
	KindURL            = "url"
	KindMediaSource    = "media_source"
	KindMusicAssistant = "music_assistant"
)

// Descriptor is a resolved, playable sound.
type Descriptor struct {
	// Kind classifies the reference style
	Kind string
	// OriginalID is the reference as the user gave it
	OriginalID string
	// ContentID is what gets sent as media_content_id
	ContentID string
	// ContentType is the media_content_type for the play call
	ContentType string
	// Title is a speakable name derived from the reference
	Title string
	// DurationHint is the expected length in seconds, 0 when unknown.
	// Players that report media_duration take precedence over it.
	DurationHint float64
}

// Resolver maps raw sound references to Descriptors. Duration hints come
// from configuration since local files carry no metadata the player
// reports ahead of time.
type Resolver struct {
	logger    *zap.Logger
	durations map[string]float64
}

func NewResolver(logger *zap.Logger, durations map[string]float64) *Resolver {
	if durations == nil {
		durations = map[string]float64{}
	}
	return &Resolver{logger: logger, durations: durations}
}

// Resolve turns raw into a playable descriptor, using fallback when raw
// is empty. Malformed local paths are rejected rather than guessed at.
func (r *Resolver) Resolve(raw, fallback string) (Descriptor, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		ref = strings.TrimSpace(fallback)
	}
	if ref == "" {
		return Descriptor{}, fmt.Errorf("no sound reference and no fallback")
	}

	desc := Descriptor{
		OriginalID:  ref,
		ContentType: "music",
	}

	switch {
	case strings.HasPrefix(ref, "media-source://"):
		desc.Kind = KindMediaSource
		desc.ContentID = ref
		desc.Title = titleFromPath(ref)

	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		desc.Kind = KindURL
		desc.ContentID = ref
		desc.Title = titleFromPath(ref)

	case strings.HasPrefix(ref, "library://") || strings.HasPrefix(ref, "spotify://"):
		desc.Kind = KindMusicAssistant
		desc.ContentID = ref
		desc.Title = titleFromPath(ref)

	default:
		contentID, err := normalizeLocalPath(ref)
		if err != nil {
			return Descriptor{}, err
		}
		desc.Kind = KindFile
		desc.ContentID = contentID
		desc.Title = titleFromPath(contentID)
	}

	if d, ok := r.durations[desc.OriginalID]; ok {
		desc.DurationHint = d
	} else if d, ok := r.durations[desc.ContentID]; ok {
		desc.DurationHint = d
	}

	r.logger.Debug("Resolved sound",
		zap.String("ref", ref),
		zap.String("kind", desc.Kind),
		zap.String("content_id", desc.ContentID))
	return desc, nil
}

// normalizeLocalPath maps the accepted spellings of a media share path
// onto the canonical /media/<share>/<file> form.
func normalizeLocalPath(ref string) (string, error) {
	p := ref
	switch {
	case strings.HasPrefix(p, "/media/"):
		// already canonical
	case strings.HasPrefix(p, "media/"):
		p = "/" + p
	case strings.HasPrefix(p, "/local/"):
		p = "/media" + p
	case strings.HasPrefix(p, "local/"):
		p = "/media/" + p
	default:
		return "", fmt.Errorf("unrecognized sound reference %q", ref)
	}

	rest := strings.TrimPrefix(p, "/media/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("malformed media path %q", ref)
	}
	return p, nil
}

// titleFromPath derives a speakable title from the last path segment
func titleFromPath(ref string) string {
	base := path.Base(strings.TrimSuffix(ref, "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		return ""
	}
	return alarm.HumanizeName(base)
}
