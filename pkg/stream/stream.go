package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/protocol"
)

// Emitter delivers events to a subscriber. Emit must not block indefinitely
// once ctx is canceled.
type Emitter interface {
	Emit(ctx context.Context, msg *protocol.Message) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, msg *protocol.Message) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, msg *protocol.Message) error {
	return f(ctx, msg)
}

// Stream is the streaming loop of one subscription.
type Stream struct {
	engine *Engine
	sub    Subscription
	out    Emitter
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
	err     error
}

// NewStream creates a stream for sub that emits to out. It does not start it.
func (e *Engine) NewStream(sub Subscription, out Emitter) *Stream {
	return &Stream{
		engine: e,
		sub:    sub,
		out:    out,
		logger: e.logger.With("subscription", sub.ID, "room_id", sub.RoomID, "topic", sub.Topic),
		done:   make(chan struct{}),
	}
}

// Subscription returns the subscription served by the stream.
func (s *Stream) Subscription() Subscription {
	return s.sub
}

// Start launches the loop bound to a context derived from ctx.
// Calling Start more than once has no effect.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.engine.metrics.StreamStarted()
	s.logger.Info("stream started", "interval", s.sub.Interval)
	go s.run(ctx)
}

// Stop cancels the loop and waits for it to exit. No event is emitted by the
// stream once Stop returns. Safe to call more than once or before Start.
func (s *Stream) Stop() {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

// Done is closed when the loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the emission error that ended the loop, if any.
// Valid after Done is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.engine.metrics.StreamStopped()

	timer := time.NewTimer(s.sub.Interval)
	defer timer.Stop()

	for {
		msg := s.cycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("stream stopped")
			return
		}
		if msg != nil {
			if err := s.out.Emit(ctx, msg); err != nil {
				if ctx.Err() == nil {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
					s.logger.Warn("stream ended, emit failed", "error", err)
				}
				return
			}
		}

		// The next cycle starts Interval after this one finished.
		timer.Reset(s.sub.Interval)
		select {
		case <-ctx.Done():
			s.logger.Info("stream stopped")
			return
		case <-timer.C:
		}
	}
}

// cycle runs one pass and builds the event to emit. A panic inside the pass
// becomes an error event.
func (s *Stream) cycle(ctx context.Context) (msg *protocol.Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.engine.metrics.Cycle(metrics.OutcomePanic, time.Since(start))
			s.logger.Error("pass panicked", "panic", r)
			msg = s.errorEvent(&PanicError{Value: r})
		}
	}()

	update, err := s.engine.Pass(ctx, s.sub)
	switch {
	case err == nil:
		s.engine.metrics.Cycle(metrics.OutcomeOK, time.Since(start))
		msg, err = protocol.NewPositionMessage(update)
		if err != nil {
			s.logger.Error("encode position update", "error", err)
			return s.errorEvent(err)
		}
		return msg
	case errors.Is(err, ErrNoData):
		s.engine.metrics.Cycle(metrics.OutcomeNoData, time.Since(start))
		s.logger.Debug("no data", "error", err)
	default:
		s.engine.metrics.Cycle(metrics.OutcomeError, time.Since(start))
		if ctx.Err() == nil {
			s.logger.Warn("pass failed", "error", err)
		}
	}
	return s.errorEvent(err)
}

func (s *Stream) errorEvent(err error) *protocol.Message {
	msg, encErr := protocol.NewErrorMessage(ClientMessage(err))
	if encErr != nil {
		return nil
	}
	return msg
}
