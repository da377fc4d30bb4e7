// Package memory provides an in-memory implementation of the store
// interfaces. It backs tests and the development server.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store"
)

var (
	_ store.RangeStore    = (*Store)(nil)
	_ store.RoomStore     = (*Store)(nil)
	_ store.AccessControl = (*Store)(nil)
)

type report struct {
	seq int64
	rec ranging.RawRecord
}

// Store keeps rooms, enrollments and raw reports in maps guarded by a RWMutex.
type Store struct {
	mu          sync.RWMutex
	rooms       map[string]geometry.Room
	enrollments map[string]map[string]bool // subject -> topic set
	reports     map[string][]report        // topic -> reports in insertion order
	seq         int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rooms:       make(map[string]geometry.Room),
		enrollments: make(map[string]map[string]bool),
		reports:     make(map[string][]report),
	}
}

// PutRoom inserts or replaces a room.
func (s *Store) PutRoom(room geometry.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

// Enroll grants subject access to topic.
func (s *Store) Enroll(subject, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics, ok := s.enrollments[subject]
	if !ok {
		topics = make(map[string]bool)
		s.enrollments[subject] = topics
	}
	topics[topic] = true
}

// AppendReport stores a raw report under its topic.
func (s *Store) AppendReport(rec ranging.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.reports[rec.Topic] = append(s.reports[rec.Topic], report{seq: s.seq, rec: rec})
}

// Get returns the room with the given id.
func (s *Store) Get(_ context.Context, roomID string) (geometry.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return geometry.Room{}, fmt.Errorf("room %q: %w", roomID, store.ErrNotFound)
	}
	return room, nil
}

// HasAccess reports whether subject is enrolled for topic.
func (s *Store) HasAccess(_ context.Context, subject, topic string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enrollments[subject][topic], nil
}

// FetchRecent returns up to limit reports for topic, newest first.
//
// Reports are ordered by TS, then ReceivedAt, then Timestamp, each descending
// with absent values last, then by insertion order descending.
func (s *Store) FetchRecent(ctx context.Context, topic string, limit int) ([]ranging.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	reports := slices.Clone(s.reports[topic])
	s.mu.RUnlock()

	slices.SortFunc(reports, func(a, b report) int {
		if c := newestFirst(a.rec.TS, b.rec.TS); c != 0 {
			return c
		}
		if c := newestFirst(a.rec.ReceivedAt, b.rec.ReceivedAt); c != 0 {
			return c
		}
		if c := newestFirst(a.rec.Timestamp, b.rec.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	out := make([]ranging.RawRecord, len(reports))
	for i, r := range reports {
		out[i] = r.rec
	}
	return out, nil
}

// newestFirst orders later times first and zero times last.
func newestFirst(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return b.Compare(a)
}
