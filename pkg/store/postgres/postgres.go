// Package postgres implements the store interfaces on Postgres through the
// pgx database/sql driver. The schema mirrors the sqlite store.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
)

var (
	_ store.RangeStore    = (*Store)(nil)
	_ store.RoomStore     = (*Store)(nil)
	_ store.AccessControl = (*Store)(nil)
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/uwb?sslmode=disable"
)

//go:embed schema.sql
var schema string

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const fetchQuery = `
SELECT topic, data, message, ts, received_at, "timestamp"
FROM range_reports
WHERE topic = $1
ORDER BY ts DESC NULLS LAST, received_at DESC NULLS LAST, "timestamp" DESC NULLS LAST, id DESC
LIMIT $2`

// Store is a Postgres-backed store.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (falls back to defaultDSN) and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applySchema(ctx context.Context, db execer) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// splitStatements splits a DDL script on semicolons, dropping blanks.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the room with the given id.
func (s *Store) Get(ctx context.Context, roomID string) (geometry.Room, error) {
	var room geometry.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, label, width_in, height_in FROM rooms WHERE id = $1`, roomID,
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
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE subject = $1 AND topic = $2)`, subject, topic,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("select enrollment: %w", err)
	}
	return ok, nil
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
			ts, receivedAt, timestamp sql.NullTime
		)
		if err := rows.Scan(&rec.Topic, &data, &message, &ts, &receivedAt, &timestamp); err != nil {
			return nil, fmt.Errorf("scan range report: %w", err)
		}
		rec.Data = data.String
		rec.Message = message.String
		rec.TS = fromNull(ts)
		rec.ReceivedAt = fromNull(receivedAt)
		rec.Timestamp = fromNull(timestamp)
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
		`INSERT INTO rooms (id, owner, label, width_in, height_in) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, label = EXCLUDED.label,
		 width_in = EXCLUDED.width_in, height_in = EXCLUDED.height_in`,
		room.ID, room.Owner, room.Label, room.WidthIn, room.HeightIn)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

// Enroll grants subject access to topic.
func (s *Store) Enroll(ctx context.Context, subject, topic string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (subject, topic) VALUES ($1, $2) ON CONFLICT DO NOTHING`, subject, topic)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// AppendReport stores a raw report.
func (s *Store) AppendReport(ctx context.Context, rec ranging.RawRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO range_reports (topic, data, message, ts, received_at, "timestamp")
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Topic, nullString(rec.Data), nullString(rec.Message),
		toNull(rec.TS), toNull(rec.ReceivedAt), toNull(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("insert range report: %w", err)
	}
	return nil
}

func toNull(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNull(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
