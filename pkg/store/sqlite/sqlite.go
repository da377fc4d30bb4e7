// Package sqlite implements the store interfaces on an embedded SQLite
// database. The schema is applied with golang-migrate on open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the "sqlite" database/sql driver

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ store.RangeStore    = (*Store)(nil)
	_ store.RoomStore     = (*Store)(nil)
	_ store.AccessControl = (*Store)(nil)
)

const fetchQuery = `
SELECT topic, data, message, ts, received_at, timestamp
FROM range_reports
WHERE topic = ?
ORDER BY ts DESC NULLS LAST, received_at DESC NULLS LAST, timestamp DESC NULLS LAST, id DESC
LIMIT ?`

// Store is a SQLite-backed store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at dsn and migrates it to the latest schema.
// Use ":memory:" for a throwaway database.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "sqlite")}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// MigrateUp applies all pending migrations.
// Returns nil if the schema is already current.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Get returns the room with the given id.
func (s *Store) Get(ctx context.Context, roomID string) (geometry.Room, error) {
	var room geometry.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, label, width_in, height_in FROM rooms WHERE id = ?`, roomID,
	).Scan(&room.ID, &room.Owner, &room.Label, &room.WidthIn, &room.HeightIn)
	if errors.Is(err, sql.ErrNoRows) {
		return geometry.Room{}, fmt.Errorf("room %q: %w", roomID, store.ErrNotFound)
	}
	if err != nil {
		return geometry.Room{}, fmt.Errorf("select room: %w", err)
	}
	return room, nil
}

// HasAccess reports whether subject is enrolled for topic.
func (s *Store) HasAccess(ctx context.Context, subject, topic string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE subject = ? AND topic = ?`, subject, topic,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("select enrollment: %w", err)
	}
	return n > 0, nil
}

// FetchRecent returns up to limit reports for topic, newest first.
func (s *Store) FetchRecent(ctx context.Context, topic string, limit int) ([]ranging.RawRecord, error) {
	if limit <= 0 {
		limit = store.DefaultFetchLimit
	}
	rows, err := s.db.QueryContext(ctx, fetchQuery, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("select range reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ranging.RawRecord
	for rows.Next() {
		var (
			rec                       ranging.RawRecord
			data, message             sql.NullString
			ts, receivedAt, timestamp sql.NullInt64
		)
		if err := rows.Scan(&rec.Topic, &data, &message, &ts, &receivedAt, &timestamp); err != nil {
			return nil, fmt.Errorf("scan range report: %w", err)
		}
		rec.Data = data.String
		rec.Message = message.String
		rec.TS = fromMillis(ts)
		rec.ReceivedAt = fromMillis(receivedAt)
		rec.Timestamp = fromMillis(timestamp)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range reports: %w", err)
	}
	return out, nil
}

// PutRoom inserts or replaces a room.
func (s *Store) PutRoom(ctx context.Context, room geometry.Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, owner, label, width_in, height_in) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, label = excluded.label,
		 width_in = excluded.width_in, height_in = excluded.height_in`,
		room.ID, room.Owner, room.Label, room.WidthIn, room.HeightIn)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

// Enroll grants subject access to topic.
func (s *Store) Enroll(ctx context.Context, subject, topic string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO enrollments (subject, topic) VALUES (?, ?)`, subject, topic)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// AppendReport stores a raw report.
func (s *Store) AppendReport(ctx context.Context, rec ranging.RawRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO range_reports (topic, data, message, ts, received_at, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Topic, nullString(rec.Data), nullString(rec.Message),
		toMillis(rec.TS), toMillis(rec.ReceivedAt), toMillis(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("insert range report: %w", err)
	}
	return nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
