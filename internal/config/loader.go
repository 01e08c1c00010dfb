package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the alarm_config.yaml structure. Every field has a default
// so an empty or missing file yields a working engine.
type Config struct {
	// DefaultMediaPlayer is used when an item names no player
	DefaultMediaPlayer string `yaml:"default_media_player"`
	// AlarmSound and ReminderSound are the per-kind fallback sounds
	AlarmSound    string `yaml:"alarm_sound"`
	ReminderSound string `yaml:"reminder_sound"`
	// DefaultAlarmTime (HH:MM) seeds a new alarm when no time is given
	// and no previous alarm exists to inherit from
	DefaultAlarmTime     string `yaml:"default_alarm_time"`
	DefaultSnoozeMinutes int    `yaml:"default_snooze_minutes"`
	// NotifyTitle heads mobile notifications
	NotifyTitle string `yaml:"notify_title"`
	// DatabasePath is where the SQLite store lives; empty keeps items
	// in memory only
	DatabasePath string `yaml:"database_path"`
	// APIPort serves the HTTP control API when positive; zero disables it
	APIPort int `yaml:"api_port"`
	// PlayerFamilies overrides the transport profile per player entity,
	// e.g. mapping a player to "spotify" so pauses at track boundaries
	// are read as completions rather than someone hitting pause
	PlayerFamilies map[string]string `yaml:"player_families"`
	// SoundDurations supplies duration hints (seconds) for sounds whose
	// players do not report media_duration
	SoundDurations map[string]float64 `yaml:"sound_durations"`

	Playback PlaybackConfig `yaml:"playback"`
}

// PlaybackConfig tunes the playback watcher and manual-stop inference.
type PlaybackConfig struct {
	// StartTimeoutSeconds bounds the wait for a player to begin playing
	// after a transport command
	StartTimeoutSeconds float64 `yaml:"start_timeout_seconds"`
	// ContextTTLSeconds bounds how long a service call context stays
	// correlatable to incoming state changes
	ContextTTLSeconds float64 `yaml:"context_ttl_seconds"`
	// WakeAttempts and WakePollSeconds control polling for a powered-off
	// player to come back after turn_on
	WakeAttempts    int     `yaml:"wake_attempts"`
	WakePollSeconds float64 `yaml:"wake_poll_seconds"`
	// MinRemainingSeconds and RemainingFraction set the threshold above
	// which remaining play time marks an early stop as manual
	MinRemainingSeconds float64 `yaml:"min_remaining_seconds"`
	RemainingFraction   float64 `yaml:"remaining_fraction"`
	// BoundaryMinRemainingSeconds and BoundaryFraction bound how close
	// to the end a pause still counts as a track completion
	BoundaryMinRemainingSeconds float64 `yaml:"boundary_min_remaining_seconds"`
	BoundaryFraction            float64 `yaml:"boundary_fraction"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AlarmSound:           "/media/local/Alarms/birds.mp3",
		ReminderSound:        "/media/local/Alarms/ringtone.mp3",
		DefaultAlarmTime:     "07:00",
		DefaultSnoozeMinutes: 5,
		NotifyTitle:          "Alarm Clock",
		PlayerFamilies:       map[string]string{},
		SoundDurations:       map[string]float64{},
		Playback: PlaybackConfig{
			StartTimeoutSeconds:         4,
			ContextTTLSeconds:           120,
			WakeAttempts:                10,
			WakePollSeconds:             0.3,
			MinRemainingSeconds:         3,
			RemainingFraction:           0.15,
			BoundaryMinRemainingSeconds: 0.75,
			BoundaryFraction:            0.2,
		},
	}
}

// StartTimeout returns the playback start wait as a duration
func (c *Config) StartTimeout() time.Duration {
	return secondsToDuration(c.Playback.StartTimeoutSeconds)
}

// ContextTTL returns the correlation window as a duration
func (c *Config) ContextTTL() time.Duration {
	return secondsToDuration(c.Playback.ContextTTLSeconds)
}

// WakePoll returns the interval between wake polls
func (c *Config) WakePoll() time.Duration {
	return secondsToDuration(c.Playback.WakePollSeconds)
}

// SnoozeDuration converts a requested snooze length to a duration,
// falling back to the configured default when minutes is not positive.
func (c *Config) SnoozeDuration(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = c.DefaultSnoozeMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// PlayerFamily returns the transport profile for a player entity
func (c *Config) PlayerFamily(entityID string) string {
	if family, ok := c.PlayerFamilies[entityID]; ok {
		return family
	}
	return "home_assistant"
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Loader reads alarm_config.yaml from a config directory.
type Loader struct {
	configDir string
	logger    *zap.Logger
	config    *Config
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Load reads the config file, merging it over the defaults. A missing
// file is not an error; the defaults stand.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	path := filepath.Join(l.configDir, "alarm_config.yaml")
	l.logger.Debug("Loading alarm config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("No config file found, using defaults", zap.String("path", path))
			l.config = cfg
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read alarm config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse alarm config: %w", err)
	}
	if cfg.PlayerFamilies == nil {
		cfg.PlayerFamilies = map[string]string{}
	}
	if cfg.SoundDurations == nil {
		cfg.SoundDurations = map[string]float64{}
	}

	l.config = cfg
	l.logger.Info("Alarm config loaded successfully")
	return cfg, nil
}

// Get returns the last loaded configuration
func (l *Loader) Get() *Config {
	return l.config
}
