package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/protocol"
	"github.com/teslashibe/go-uwb/pkg/stream"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the largest control message accepted from a client
	maxMessageSize = 64 * 1024

	// sendBuffer is the outbound queue length per session
	sendBuffer = 256
)

var errSessionClosed = errors.New("web: session closed")

// Session is one authenticated websocket connection. The read pump owns the
// active stream; the write pump is the only writer to the socket.
type Session struct {
	id      string
	subject string
	conn    *websocket.Conn
	engine  *stream.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send   chan *protocol.Message
	closed chan struct{} // closed when the write pump exits

	// active is touched only by the read pump.
	active *stream.Stream
}

func newSession(parent context.Context, conn *websocket.Conn, subject string, engine *stream.Engine, m *metrics.Metrics, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:      id,
		subject: subject,
		conn:    conn,
		engine:  engine,
		metrics: m,
		logger:  logger.With("session", id, "subject", subject),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan *protocol.Message, sendBuffer),
		closed:  make(chan struct{}),
	}
}

// Run serves the connection until it closes or the server shuts down.
func (s *Session) Run() {
	s.metrics.SessionOpened()
	s.logger.Info("session connected")

	// The conn is released to a pool once Run returns, so the closer must
	// finish before then.
	closerDone := make(chan struct{})
	go s.writePump()
	go func() {
		defer close(closerDone)
		// Unblocks the read pump on shutdown or writer failure.
		select {
		case <-s.ctx.Done():
		case <-s.closed:
		}
		_ = s.conn.Close()
	}()

	if msg, err := protocol.NewConnectedMessage(s.subject); err == nil {
		_ = s.queue(msg)
	}

	s.readPump() // Blocks until connection closes

	s.stopStream()
	s.cancel()
	close(s.send)
	<-s.closed
	<-closerDone

	s.metrics.SessionClosed()
	s.logger.Info("session disconnected")
}

// Emit implements stream.Emitter.
func (s *Session) Emit(ctx context.Context, msg *protocol.Message) error {
	select {
	case s.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errSessionClosed
	}
}

// queue sends a control event from the read pump.
func (s *Session) queue(msg *protocol.Message) error {
	return s.Emit(s.ctx, msg)
}

func (s *Session) queueError(text string) {
	if msg, err := protocol.NewErrorMessage(text); err == nil {
		_ = s.queue(msg)
	}
}

// readPump reads control messages from the client and dispatches them.
func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.queueError("Invalid message")
		return
	}

	switch msg.Type {
	case protocol.TypeStartVisualization:
		req, err := msg.GetStartRequest()
		if err != nil {
			s.queueError("Invalid start_visualization payload")
			return
		}
		s.start(*req)

	case protocol.TypeStopVisualization:
		s.stop()

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			return
		}
		if pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli()); err == nil {
			_ = s.queue(pong)
		}

	default:
		s.queueError("Unknown message type: " + string(msg.Type))
	}
}

// start validates the request and replaces the active stream. A rejected
// request leaves the current stream running.
func (s *Session) start(req protocol.StartRequest) {
	sub, err := s.engine.Open(s.ctx, s.subject, req)
	if err != nil {
		s.logger.Info("start rejected", "room_id", req.RoomID, "topic", req.Topic, "error", err)
		s.queueError(stream.ClientMessage(err))
		return
	}

	s.stopStream()

	ack, err := protocol.NewStartedMessage(sub.RoomID, sub.Topic, sub.Interval)
	if err != nil {
		return
	}
	if err := s.queue(ack); err != nil {
		return
	}

	s.active = s.engine.NewStream(sub, s)
	s.active.Start(s.ctx)
}

// stop ends the active stream. The acknowledgment is queued after the
// stream has exited, so no update follows it.
func (s *Session) stop() {
	s.stopStream()
	if msg, err := protocol.NewStoppedMessage(); err == nil {
		_ = s.queue(msg)
	}
}

func (s *Session) stopStream() {
	if s.active == nil {
		return
	}
	s.active.Stop()
	s.active = nil
}

// writePump writes queued messages to the websocket connection.
// Only this goroutine writes to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.closed)
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Session ended - send close frame
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := msg.Bytes()
			if err != nil {
				s.logger.Error("encode message", "type", msg.Type, "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
