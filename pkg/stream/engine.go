// Package stream runs position estimation for live subscriptions.
//
// An Engine validates start requests and performs single estimation passes.
// Each accepted subscription gets its own Stream: one goroutine that runs a
// pass, emits the result and sleeps for the subscription interval until it
// is stopped. Streams share nothing but read-only store access.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/position"
	"github.com/teslashibe/go-uwb/pkg/protocol"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
)

// Config holds engine settings.
type Config struct {
	// FetchLimit is the number of raw records read per pass.
	FetchLimit int `yaml:"fetch_limit"`
	// DefaultInterval applies when a start request omits update_interval.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// MinInterval and MaxInterval bound the requested interval.
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FetchLimit:      store.DefaultFetchLimit,
		DefaultInterval: 500 * time.Millisecond,
		MinInterval:     100 * time.Millisecond,
		MaxInterval:     60 * time.Second,
	}
}

// ResolveInterval turns a requested interval in seconds into a duration.
// Nil selects the default; values outside [MinInterval, MaxInterval] are
// clamped. Negative, NaN and infinite values are rejected.
func (c Config) ResolveInterval(seconds *float64) (time.Duration, error) {
	if seconds == nil {
		return c.DefaultInterval, nil
	}
	v := *seconds
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInterval, v)
	}
	if v > c.MaxInterval.Seconds() {
		return c.MaxInterval, nil
	}
	d := time.Duration(v * float64(time.Second))
	if d < c.MinInterval {
		return c.MinInterval, nil
	}
	return d, nil
}

// Subscription is an accepted start request.
type Subscription struct {
	ID       string
	Subject  string
	RoomID   string
	Room     geometry.Room
	Topic    string
	Interval time.Duration
}

// Engine validates subscriptions and runs estimation passes.
type Engine struct {
	ranges  store.RangeStore
	rooms   store.RoomStore
	access  store.AccessControl
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an engine. access may be nil, in which case only room
// ownership is checked. m may be nil.
func NewEngine(ranges store.RangeStore, rooms store.RoomStore, access store.AccessControl, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = def.FetchLimit
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ranges:  ranges,
		rooms:   rooms,
		access:  access,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "stream"),
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Open validates a start request from subject and returns the subscription.
func (e *Engine) Open(ctx context.Context, subject string, req protocol.StartRequest) (Subscription, error) {
	if req.RoomID == "" || req.Topic == "" {
		return Subscription{}, ErrMissingField
	}
	if err := ranging.ValidateTopic(req.Topic); err != nil {
		return Subscription{}, err
	}

	room, err := e.Room(ctx, subject, req.RoomID, req.Topic)
	if err != nil {
		return Subscription{}, err
	}

	interval, err := e.cfg.ResolveInterval(req.UpdateInterval)
	if err != nil {
		return Subscription{}, err
	}

	return Subscription{
		ID:       uuid.NewString(),
		Subject:  subject,
		RoomID:   req.RoomID,
		Room:     room,
		Topic:    req.Topic,
		Interval: interval,
	}, nil
}

// Room loads roomID and checks that subject owns it, may read topic and
// that its geometry is usable.
func (e *Engine) Room(ctx context.Context, subject, roomID, topic string) (geometry.Room, error) {
	room, err := e.rooms.Get(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return geometry.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return geometry.Room{}, fmt.Errorf("stream: load room: %w", err)
	}
	if room.Owner != subject {
		return geometry.Room{}, fmt.Errorf("%w: room %s", ErrForbidden, roomID)
	}
	if e.access != nil {
		ok, err := e.access.HasAccess(ctx, subject, topic)
		if err != nil {
			return geometry.Room{}, fmt.Errorf("stream: check access: %w", err)
		}
		if !ok {
			return geometry.Room{}, fmt.Errorf("%w: topic %s", ErrForbidden, topic)
		}
	}
	if err := room.Validate(); err != nil {
		return geometry.Room{}, err
	}
	return room, nil
}

// Pass runs one estimation pass for sub.
func (e *Engine) Pass(ctx context.Context, sub Subscription) (protocol.PositionUpdate, error) {
	anchors, err := geometry.Resolve(sub.Room)
	if err != nil {
		return protocol.PositionUpdate{}, err
	}

	records, err := e.ranges.FetchRecent(ctx, sub.Topic, e.cfg.FetchLimit)
	if err != nil {
		return protocol.PositionUpdate{}, fmt.Errorf("stream: fetch %s: %w", sub.Topic, err)
	}
	if len(records) == 0 {
		return protocol.PositionUpdate{}, ErrNoRecords
	}

	batch := ranging.Ingest(records)
	if skipped := batch.SkippedTotal(); skipped > 0 {
		for kind, n := range batch.Skipped {
			e.metrics.Skipped(kind.String(), n)
		}
		e.logger.Debug("skipped malformed records",
			"topic", sub.Topic,
			"skipped", skipped,
			"total", batch.Total,
		)
	}
	if batch.Empty() {
		return protocol.PositionUpdate{}, ErrNoValidReadings
	}

	cache := position.NewCache()
	for _, tagID := range batch.Order {
		cache.Put(position.Locate(batch.Readings[tagID], anchors, sub.Room))
	}
	ok, failed := cache.Counts()
	e.metrics.Tags(ok, failed)

	return protocol.PositionUpdate{
		Timestamp:       e.now().UTC(),
		RoomID:          sub.RoomID,
		Topic:           sub.Topic,
		RoomDimensions:  sub.Room.Dimensions(),
		AnchorPositions: anchors.Positions(),
		TagPositions:    cache.Snapshot(),
		TagCount:        cache.Len(),
	}, nil
}
