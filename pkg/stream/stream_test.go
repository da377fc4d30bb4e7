package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-uwb/internal/log"
	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/protocol"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store/memory"
)

// recorder is an Emitter that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []*protocol.Message
	notify chan struct{}
	err    error
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) Emit(_ context.Context, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, msg)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) snapshot() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Message(nil), r.events...)
}

// waitFor blocks until at least n events were recorded.
func (r *recorder) waitFor(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if events := r.snapshot(); len(events) >= n {
			return events
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(r.snapshot()))
		}
	}
}

func seededStore() *memory.Store {
	s := newTestStore()
	s.AppendReport(ranging.RawRecord{Topic: topic, Data: `{"id": 7, "range": [100, 100, 500, 500]}`})
	return s
}

func testSubscription(roomID string, interval time.Duration) Subscription {
	return Subscription{
		ID:       "sub-" + roomID,
		Subject:  owner,
		RoomID:   roomID,
		Room:     geometry.Room{ID: roomID, Owner: owner, WidthIn: 280, HeightIn: 610},
		Topic:    topic,
		Interval: interval,
	}
}

func TestStream_EmitsUpdates(t *testing.T) {
	e := newTestEngine(seededStore())
	rec := newRecorder()
	s := e.NewStream(testSubscription("lab", 5*time.Millisecond), rec)
	s.Start(context.Background())
	defer s.Stop()

	events := rec.waitFor(t, 3)
	for i, msg := range events[:3] {
		if msg.Type != protocol.TypePositionUpdate {
			t.Fatalf("event %d type = %v, want position_update", i, msg.Type)
		}
		update, err := msg.GetPositionUpdate()
		if err != nil {
			t.Fatalf("GetPositionUpdate() error = %v", err)
		}
		if update.TagCount != 1 || update.RoomID != "lab" || update.Topic != topic {
			t.Errorf("event %d = %+v", i, update)
		}
	}
}

// No event follows a stop, even when the loop was asleep.
func TestStream_StopMidSleep(t *testing.T) {
	e := newTestEngine(seededStore())
	rec := newRecorder()
	s := e.NewStream(testSubscription("lab", time.Hour), rec)
	s.Start(context.Background())

	rec.waitFor(t, 1)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not interrupt the sleep")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed after Stop()")
	}

	n := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != n {
		t.Errorf("events after stop: %d, want %d", got, n)
	}
}

func TestStream_StopWhileCycling(t *testing.T) {
	e := newTestEngine(seededStore())
	rec := newRecorder()
	s := e.NewStream(testSubscription("lab", time.Millisecond), rec)
	s.Start(context.Background())

	rec.waitFor(t, 5)
	s.Stop()

	n := len(rec.snapshot())
	time.Sleep(30 * time.Millisecond)
	if got := len(rec.snapshot()); got != n {
		t.Errorf("events after stop: %d, want %d", got, n)
	}
}

func TestStream_ParentCancel(t *testing.T) {
	e := newTestEngine(seededStore())
	ctx, cancel := context.WithCancel(context.Background())
	s := e.NewStream(testSubscription("lab", time.Hour), newRecorder())
	s.Start(ctx)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit on parent cancel")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestStream_StopBeforeStart(t *testing.T) {
	e := newTestEngine(seededStore())
	s := e.NewStream(testSubscription("lab", time.Second), newRecorder())
	s.Stop()
	s.Stop()
}

func TestStream_NoDataContinues(t *testing.T) {
	e := newTestEngine(newTestStore())
	rec := newRecorder()
	s := e.NewStream(testSubscription("lab", time.Millisecond), rec)
	s.Start(context.Background())
	defer s.Stop()

	events := rec.waitFor(t, 3)
	for i, msg := range events[:3] {
		if msg.Type != protocol.TypeError {
			t.Fatalf("event %d type = %v, want error", i, msg.Type)
		}
		data, _ := msg.GetErrorData()
		if data.Msg != "No MQTT data found for this topic" {
			t.Errorf("event %d msg = %q", i, data.Msg)
		}
	}
}

// panicky panics on the first fetch and serves the store afterwards.
type panicky struct {
	calls atomic.Int32
	next  *memory.Store
}

func (p *panicky) FetchRecent(ctx context.Context, topic string, limit int) ([]ranging.RawRecord, error) {
	if p.calls.Add(1) == 1 {
		panic("boom")
	}
	return p.next.FetchRecent(ctx, topic, limit)
}

func TestStream_RecoversPanic(t *testing.T) {
	s := seededStore()
	e := NewEngine(&panicky{next: s}, s, s, DefaultConfig(), nil, log.Discard())
	rec := newRecorder()
	st := e.NewStream(testSubscription("lab", time.Millisecond), rec)
	st.Start(context.Background())
	defer st.Stop()

	events := rec.waitFor(t, 2)
	if events[0].Type != protocol.TypeError {
		t.Fatalf("first event type = %v, want error", events[0].Type)
	}
	data, _ := events[0].GetErrorData()
	if !strings.HasPrefix(data.Msg, "Update error:") || !strings.Contains(data.Msg, "boom") {
		t.Errorf("panic event msg = %q", data.Msg)
	}
	if events[1].Type != protocol.TypePositionUpdate {
		t.Errorf("second event type = %v, want position_update", events[1].Type)
	}
}

func TestStream_EmitFailureEnds(t *testing.T) {
	e := newTestEngine(seededStore())
	gone := errors.New("connection closed")
	rec := newRecorder()
	rec.err = gone

	s := e.NewStream(testSubscription("lab", time.Millisecond), rec)
	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit after emit failure")
	}
	if !errors.Is(s.Err(), gone) {
		t.Errorf("Err() = %v, want %v", s.Err(), gone)
	}
}

// Two subscriptions on the same topic run independently.
func TestStream_Independent(t *testing.T) {
	st := seededStore()
	st.PutRoom(geometry.Room{ID: "lab-2", Owner: owner, WidthIn: 280, HeightIn: 610})
	e := newTestEngine(st)

	recA, recB := newRecorder(), newRecorder()
	a := e.NewStream(testSubscription("lab", time.Millisecond), recA)
	b := e.NewStream(testSubscription("lab-2", time.Millisecond), recB)
	a.Start(context.Background())
	b.Start(context.Background())
	defer b.Stop()

	recA.waitFor(t, 3)
	recB.waitFor(t, 3)
	a.Stop()

	before := len(recB.snapshot())
	recB.waitFor(t, before+3)

	for name, tc := range map[string]struct {
		rec  *recorder
		room string
	}{
		"a": {recA, "lab"},
		"b": {recB, "lab-2"},
	} {
		for _, msg := range tc.rec.snapshot() {
			update, err := msg.GetPositionUpdate()
			if err != nil {
				t.Fatalf("%s: GetPositionUpdate() error = %v", name, err)
			}
			if update.RoomID != tc.room {
				t.Errorf("%s received event for room %q, want %q", name, update.RoomID, tc.room)
			}
		}
	}
}
