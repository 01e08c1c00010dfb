package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"alarmclock/internal/alarm"
)

// Times are stored with their zone offset so that wall-clock schedule
// arithmetic stays correct after a restart in a DST-shifted world.
const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
}

// NewSQLiteStore wraps an open database. loc is the location loaded
// times are interpreted in; nil means time.Local.
func NewSQLiteStore(db *sql.DB, loc *time.Location) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("storage: nil db")
	}
	if loc == nil {
		loc = time.Local
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db, loc: loc}, nil
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(path string, loc *time.Location) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db, loc)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := MigrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const itemColumns = `id, kind, name, message, scheduled_time, canonical_time, repeat, repeat_days,
	status, enabled, media_player, sound, notify_device, activation_entity, volume_override,
	announce_time, announce_name, created_at, last_triggered, last_stopped`

func (s *SQLiteStore) Load(ctx context.Context) ([]*alarm.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*alarm.Item, 0)
	for rows.Next() {
		item, scanErr := s.scanItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, item *alarm.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			message = excluded.message,
			scheduled_time = excluded.scheduled_time,
			canonical_time = excluded.canonical_time,
			repeat = excluded.repeat,
			repeat_days = excluded.repeat_days,
			status = excluded.status,
			enabled = excluded.enabled,
			media_player = excluded.media_player,
			sound = excluded.sound,
			notify_device = excluded.notify_device,
			activation_entity = excluded.activation_entity,
			volume_override = excluded.volume_override,
			announce_time = excluded.announce_time,
			announce_name = excluded.announce_name,
			last_triggered = excluded.last_triggered,
			last_stopped = excluded.last_stopped`,
		item.ID, string(item.Kind), item.Name, item.Message,
		formatTime(item.ScheduledTime), formatTime(item.CanonicalTime),
		string(item.Repeat), strings.Join(item.RepeatDays, ","),
		string(item.Status), boolInt(item.Enabled), item.MediaPlayer, item.Sound,
		item.NotifyDevice, item.ActivationEntity, nullFloat(item.VolumeOverride),
		boolInt(item.AnnounceTime), boolInt(item.AnnounceName),
		formatTime(item.CreatedAt), nullTime(item.LastTriggered), nullTime(item.LastStopped),
	)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, kind *alarm.Kind) error {
	if kind == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM items`)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE kind = ?`, string(*kind))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanItem(sc scanner) (*alarm.Item, error) {
	var (
		item          alarm.Item
		kind, repeat  string
		status        string
		repeatDays    string
		enabled       int
		announceTime  int
		announceName  int
		scheduled     string
		canonical     string
		created       string
		volume        sql.NullFloat64
		lastTriggered sql.NullString
		lastStopped   sql.NullString
	)

	if err := sc.Scan(
		&item.ID, &kind, &item.Name, &item.Message, &scheduled, &canonical,
		&repeat, &repeatDays, &status, &enabled, &item.MediaPlayer, &item.Sound,
		&item.NotifyDevice, &item.ActivationEntity, &volume,
		&announceTime, &announceName, &created, &lastTriggered, &lastStopped,
	); err != nil {
		return nil, err
	}

	item.Kind = alarm.Kind(kind)
	item.Repeat = alarm.Repeat(repeat)
	item.Status = alarm.Status(status)
	item.Enabled = enabled != 0
	item.AnnounceTime = announceTime != 0
	item.AnnounceName = announceName != 0
	if repeatDays != "" {
		item.RepeatDays = strings.Split(repeatDays, ",")
	}
	if volume.Valid {
		v := volume.Float64
		item.VolumeOverride = &v
	}

	var err error
	if item.ScheduledTime, err = s.parseTime(scheduled); err != nil {
		return nil, fmt.Errorf("scheduled_time for %s: %w", item.ID, err)
	}
	if item.CanonicalTime, err = s.parseTime(canonical); err != nil {
		return nil, fmt.Errorf("canonical_time for %s: %w", item.ID, err)
	}
	if item.CreatedAt, err = s.parseTime(created); err != nil {
		return nil, fmt.Errorf("created_at for %s: %w", item.ID, err)
	}
	if item.LastTriggered, err = s.parseNullableTime(lastTriggered); err != nil {
		return nil, fmt.Errorf("last_triggered for %s: %w", item.ID, err)
	}
	if item.LastStopped, err = s.parseNullableTime(lastStopped); err != nil {
		return nil, fmt.Errorf("last_stopped for %s: %w", item.ID, err)
	}

	return &item, nil
}

func (s *SQLiteStore) parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(s.loc), nil
}

func (s *SQLiteStore) parseNullableTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return s.parseTime(v.String)
}

func formatTime(v time.Time) string {
	return v.Format(sqliteTimeLayout)
}

func nullTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return formatTime(v)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
