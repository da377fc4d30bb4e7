// Package store defines the read-only collaborators the position service
// depends on: raw range reports, room records and topic access.
//
// Implementations live in subpackages (memory, sqlite, postgres, mqttfeed).
package store

import (
	"context"
	"errors"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
)

// DefaultFetchLimit is the number of raw reports read per estimation pass.
const DefaultFetchLimit = 100

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// RangeStore returns the most recent raw reports for a topic.
type RangeStore interface {
	// FetchRecent returns up to limit records for topic, newest first.
	FetchRecent(ctx context.Context, topic string, limit int) ([]ranging.RawRecord, error)
}

// RoomStore looks up room records.
type RoomStore interface {
	// Get returns the room or ErrNotFound.
	Get(ctx context.Context, roomID string) (geometry.Room, error)
}

// AccessControl decides whether a subject may read a topic.
type AccessControl interface {
	HasAccess(ctx context.Context, subject, topic string) (bool, error)
}
