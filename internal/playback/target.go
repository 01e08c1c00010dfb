package playback

import (
	"fmt"

	"go.uber.org/zap"

	"alarmclock/internal/ha"
	"alarmclock/internal/media"
)

// Device is the transport surface a session drives. Every mutating call
// returns the Home Assistant context it ran under so callers can
// register it with a TokenIndex.
type Device interface {
	Play(entityID string, desc media.Descriptor) (*ha.Context, error)
	Announce(entityID, message string) (*ha.Context, error)
	Stop(entityID, family string) (*ha.Context, error)
	SetVolume(entityID string, level float64) (*ha.Context, error)
	TurnOn(entityID string) (*ha.Context, error)
	State(entityID string) (*ha.State, error)
	SubscribeState(entityID string, handler ha.StateChangeHandler) (ha.Subscription, error)
}

// MediaHandler implements Device over the Home Assistant client.
type MediaHandler struct {
	client    ha.HAClient
	logger    *zap.Logger
	ttsEntity string
}

// NewMediaHandler creates a Device. ttsEntity names the tts entity used
// for announcements; empty falls back to the google_translate_say
// service.
func NewMediaHandler(client ha.HAClient, logger *zap.Logger, ttsEntity string) *MediaHandler {
	return &MediaHandler{
		client:    client,
		logger:    logger.Named("media"),
		ttsEntity: ttsEntity,
	}
}

func (h *MediaHandler) Play(entityID string, desc media.Descriptor) (*ha.Context, error) {
	h.logger.Debug("Playing media",
		zap.String("player", entityID),
		zap.String("content_id", desc.ContentID))

	ctx, err := h.client.CallService("media_player", "play_media", map[string]interface{}{
		"entity_id":          entityID,
		"media_content_id":   desc.ContentID,
		"media_content_type": desc.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("play_media on %s: %w", entityID, err)
	}
	return ctx, nil
}

func (h *MediaHandler) Announce(entityID, message string) (*ha.Context, error) {
	h.logger.Debug("Announcing",
		zap.String("player", entityID),
		zap.Int("message_len", len(message)))

	if h.ttsEntity != "" {
		ctx, err := h.client.CallService("tts", "speak", map[string]interface{}{
			"entity_id":              h.ttsEntity,
			"media_player_entity_id": entityID,
			"message":                message,
		})
		if err != nil {
			return nil, fmt.Errorf("tts.speak on %s: %w", entityID, err)
		}
		return ctx, nil
	}

	ctx, err := h.client.CallService("tts", "google_translate_say", map[string]interface{}{
		"entity_id": entityID,
		"message":   message,
	})
	if err != nil {
		return nil, fmt.Errorf("tts announce on %s: %w", entityID, err)
	}
	return ctx, nil
}

// Stop halts playback. Spotify-style players lose their queue on a hard
// stop, so those get a pause instead.
func (h *MediaHandler) Stop(entityID, family string) (*ha.Context, error) {
	service := "media_stop"
	if pausesAtTrackBoundary(family) {
		service = "media_pause"
	}

	ctx, err := h.client.CallService("media_player", service, map[string]interface{}{
		"entity_id": entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", service, entityID, err)
	}
	return ctx, nil
}

func (h *MediaHandler) SetVolume(entityID string, level float64) (*ha.Context, error) {
	ctx, err := h.client.CallService("media_player", "volume_set", map[string]interface{}{
		"entity_id":    entityID,
		"volume_level": level,
	})
	if err != nil {
		return nil, fmt.Errorf("volume_set on %s: %w", entityID, err)
	}
	return ctx, nil
}

func (h *MediaHandler) TurnOn(entityID string) (*ha.Context, error) {
	ctx, err := h.client.CallService("media_player", "turn_on", map[string]interface{}{
		"entity_id": entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("turn_on on %s: %w", entityID, err)
	}
	return ctx, nil
}

func (h *MediaHandler) State(entityID string) (*ha.State, error) {
	return h.client.GetState(entityID)
}

func (h *MediaHandler) SubscribeState(entityID string, handler ha.StateChangeHandler) (ha.Subscription, error) {
	return h.client.SubscribeStateChanges(entityID, handler)
}
