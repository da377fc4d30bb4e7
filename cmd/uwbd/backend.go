package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-uwb/internal/config"
	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
	"github.com/teslashibe/go-uwb/pkg/store/memory"
	"github.com/teslashibe/go-uwb/pkg/store/mqttfeed"
	"github.com/teslashibe/go-uwb/pkg/store/postgres"
	"github.com/teslashibe/go-uwb/pkg/store/sqlite"
)

// backend bundles the stores the engine reads from.
type backend struct {
	ranges store.RangeStore
	rooms  store.RoomStore
	access store.AccessControl
	close  func()
}

// sqlSeeder is implemented by the SQL stores.
type sqlSeeder interface {
	PutRoom(ctx context.Context, room geometry.Room) error
	Enroll(ctx context.Context, subject, topic string) error
	AppendReport(ctx context.Context, rec ranging.RawRecord) error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	var fx *memory.Fixtures
	if cfg.Store.Fixtures != "" {
		f, err := memory.LoadFixtures(cfg.Store.Fixtures)
		if err != nil {
			return nil, err
		}
		fx = f
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		s := memory.New()
		if fx != nil {
			s.Apply(fx)
		}
		return &backend{ranges: s, rooms: s, access: s, close: func() {}}, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := seed(ctx, s, fx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return &backend{ranges: s, rooms: s, access: s, close: func() { _ = s.Close() }}, nil

	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := seed(ctx, s, fx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return &backend{ranges: s, rooms: s, access: s, close: func() { _ = s.Close() }}, nil

	case config.DriverMQTT:
		// Rooms and enrollments come from fixtures; reports arrive live.
		meta := memory.New()
		if fx != nil {
			meta.Apply(&memory.Fixtures{Rooms: fx.Rooms, Enrollments: fx.Enrollments})
		}
		feed := mqttfeed.New(cfg.MQTT, logger)
		if err := feed.Connect(ctx); err != nil {
			return nil, err
		}
		return &backend{ranges: feed, rooms: meta, access: meta, close: feed.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func seed(ctx context.Context, s sqlSeeder, fx *memory.Fixtures) error {
	if fx == nil {
		return nil
	}
	for _, room := range fx.Rooms {
		if err := s.PutRoom(ctx, room); err != nil {
			return fmt.Errorf("seed room %s: %w", room.ID, err)
		}
	}
	for _, e := range fx.Enrollments {
		if err := s.Enroll(ctx, e.Subject, e.Topic); err != nil {
			return fmt.Errorf("seed enrollment: %w", err)
		}
	}
	for _, rec := range fx.Reports {
		if err := s.AppendReport(ctx, rec); err != nil {
			return fmt.Errorf("seed report: %w", err)
		}
	}
	return nil
}
