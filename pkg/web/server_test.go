package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-uwb/internal/log"
	"github.com/teslashibe/go-uwb/pkg/auth"
	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/metrics"
	"github.com/teslashibe/go-uwb/pkg/protocol"
	"github.com/teslashibe/go-uwb/pkg/ranging"
	"github.com/teslashibe/go-uwb/pkg/store/memory"
	"github.com/teslashibe/go-uwb/pkg/stream"
)

const (
	testSecret = "test-secret"
	owner      = "owner@example.com"
	topic      = "1234567"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	addr  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memory.New()
	st.PutRoom(geometry.Room{ID: "lab", Owner: owner, WidthIn: 280, HeightIn: 610})
	st.PutRoom(geometry.Room{ID: "other", Owner: "someone@example.com", WidthIn: 100, HeightIn: 100})
	st.Enroll(owner, topic)
	st.AppendReport(ranging.RawRecord{
		Topic: topic,
		Data:  `{"id": 7, "range": [100, 100, 500, 500]}`,
		TS:    time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC),
	})

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	engine := stream.NewEngine(st, st, st, stream.DefaultConfig(), nil, log.Discard())
	srv := NewServer(Config{}, engine, verifier, metrics.New(), log.Discard())
	return &testEnv{srv: srv, store: st}
}

// listen serves the app on a loopback port for websocket tests.
func (e *testEnv) listen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e.addr = ln.Addr().String()

	go func() { _ = e.srv.Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.srv.Shutdown(ctx)
	})
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, subject string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+e.addr+"/ws?token="+token(t, subject), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func startMessage(t *testing.T, roomID string, interval time.Duration) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewStartMessage(roomID, topic, interval)
	require.NoError(t, err)
	return msg
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "uwb_sessions_active")
}

func TestPositionsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		path    string
		subject string
		want    int
	}{
		{"ok", "/api/rooms/lab/positions?mqtt_topic=" + topic, owner, http.StatusOK},
		{"missing token", "/api/rooms/lab/positions?mqtt_topic=" + topic, "", http.StatusUnauthorized},
		{"missing topic", "/api/rooms/lab/positions", owner, http.StatusBadRequest},
		{"bad topic", "/api/rooms/lab/positions?mqtt_topic=12", owner, http.StatusBadRequest},
		{"unknown room", "/api/rooms/nope/positions?mqtt_topic=" + topic, owner, http.StatusNotFound},
		{"not owner", "/api/rooms/other/positions?mqtt_topic=" + topic, owner, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.subject != "" {
				req.Header.Set("Authorization", "Bearer "+token(t, tt.subject))
			}
			resp, err := env.srv.App().Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)

			if tt.want != http.StatusOK {
				return
			}
			var update protocol.PositionUpdate
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
			assert.Equal(t, 1, update.TagCount)
			assert.Equal(t, "lab", update.RoomID)
			assert.True(t, update.TagPositions[7].Status)
		})
	}
}

func TestPositionsEndpoint_NoData(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enroll(owner, "7654321")

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/lab/positions?mqtt_topic=7654321", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, owner))
	resp, err := env.srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body protocol.ErrorData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "No MQTT data found for this topic", body.Msg)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)

	for _, url := range []string{
		"ws://" + env.addr + "/ws",
		"ws://" + env.addr + "/ws?token=garbage",
	} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWebSocket_HeaderToken(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, owner))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+env.addr+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeConnected, msg.Type)
}

// Nothing follows visualization_stopped.
func TestWebSocket_StartStop(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	conn := env.dial(t, owner)

	connected := readMessage(t, conn)
	require.Equal(t, protocol.TypeConnected, connected.Type)
	data, err := connected.GetConnectedData()
	require.NoError(t, err)
	assert.Equal(t, owner, data.Subject)

	send(t, conn, startMessage(t, "lab", 100*time.Millisecond))

	started := readMessage(t, conn)
	require.Equal(t, protocol.TypeVisualizationStarted, started.Type)
	ack, err := started.GetStartedData()
	require.NoError(t, err)
	assert.Equal(t, 0.1, ack.UpdateInterval)

	for i := 0; i < 2; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, protocol.TypePositionUpdate, msg.Type)
		update, err := msg.GetPositionUpdate()
		require.NoError(t, err)
		assert.Equal(t, 1, update.TagCount)
		assert.Equal(t, topic, update.Topic)
	}

	stop, err := protocol.NewStopMessage()
	require.NoError(t, err)
	send(t, conn, stop)

	for {
		msg := readMessage(t, conn)
		if msg.Type == protocol.TypeVisualizationStopped {
			break
		}
		require.Equal(t, protocol.TypePositionUpdate, msg.Type)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(400*time.Millisecond)))
	_, data2, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected event after stop: %s", data2)
}

func TestWebSocket_StartRejected(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	conn := env.dial(t, owner)
	readMessage(t, conn) // connected

	tests := []struct {
		room string
		want string
	}{
		{"other", "You don't have access to this room"},
		{"nope", "Room not found"},
	}
	for _, tt := range tests {
		send(t, conn, startMessage(t, tt.room, 0))
		msg := readMessage(t, conn)
		require.Equal(t, protocol.TypeError, msg.Type)
		data, err := msg.GetErrorData()
		require.NoError(t, err)
		assert.Equal(t, tt.want, data.Msg)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	data, _ := msg.GetErrorData()
	assert.True(t, strings.HasPrefix(data.Msg, "Unknown message type"))
}

func TestWebSocket_Ping(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	conn := env.dial(t, owner)
	readMessage(t, conn) // connected

	ping, err := protocol.NewPingMessage("p-1")
	require.NoError(t, err)
	send(t, conn, ping)

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypePong, msg.Type)
	pong, err := msg.GetPongData()
	require.NoError(t, err)
	assert.Equal(t, "p-1", pong.ID)
	assert.GreaterOrEqual(t, pong.LatencyMs, int64(0))
}

// Each connection only sees its own stream.
func TestWebSocket_IndependentSessions(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutRoom(geometry.Room{ID: "lab-2", Owner: owner, WidthIn: 280, HeightIn: 610})
	env.listen(t)

	a := env.dial(t, owner)
	b := env.dial(t, owner)
	readMessage(t, a)
	readMessage(t, b)

	send(t, a, startMessage(t, "lab", 100*time.Millisecond))
	send(t, b, startMessage(t, "lab-2", 100*time.Millisecond))

	for name, tc := range map[string]struct {
		conn *websocket.Conn
		room string
	}{"a": {a, "lab"}, "b": {b, "lab-2"}} {
		started := readMessage(t, tc.conn)
		require.Equal(t, protocol.TypeVisualizationStarted, started.Type, name)
		for i := 0; i < 3; i++ {
			update, err := readMessage(t, tc.conn).GetPositionUpdate()
			require.NoError(t, err)
			assert.Equal(t, tc.room, update.RoomID, name)
		}
	}

	// Closing one session leaves the other streaming.
	require.NoError(t, a.Close())
	for i := 0; i < 3; i++ {
		msg := readMessage(t, b)
		assert.Equal(t, protocol.TypePositionUpdate, msg.Type)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{stream.ErrMissingField, http.StatusBadRequest},
		{ranging.ErrInvalidTopic, http.StatusBadRequest},
		{geometry.ErrInvalidGeometry, http.StatusBadRequest},
		{stream.ErrForbidden, http.StatusForbidden},
		{stream.ErrRoomNotFound, http.StatusNotFound},
		{stream.ErrNoValidReadings, http.StatusNotFound},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// Sessions that come and go must not disturb a long-lived one. Connection
// wrappers are pooled and reused, so a late close from an ended session would
// hit a live socket.
func TestWebSocket_ChurnLeavesOtherSessionsAlone(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)

	keeper := env.dial(t, owner)
	readMessage(t, keeper) // connected
	send(t, keeper, startMessage(t, "lab", 100*time.Millisecond))
	require.Equal(t, protocol.TypeVisualizationStarted, readMessage(t, keeper).Type)

	for i := 0; i < 50; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+env.addr+"/ws?token="+token(t, owner), nil)
		require.NoError(t, err)
		readMessage(t, conn) // connected

		switch i % 3 {
		case 0:
			// Drop mid-stream without a close frame.
			send(t, conn, startMessage(t, "lab", 100*time.Millisecond))
			readMessage(t, conn)
		case 1:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		require.NoError(t, conn.Close())
	}

	for i := 0; i < 5; i++ {
		msg := readMessage(t, keeper)
		require.Equal(t, protocol.TypePositionUpdate, msg.Type)
	}

	ping, err := protocol.NewPingMessage("still-here")
	require.NoError(t, err)
	send(t, keeper, ping)
	for {
		msg := readMessage(t, keeper)
		if msg.Type == protocol.TypePong {
			pong, err := msg.GetPongData()
			require.NoError(t, err)
			assert.Equal(t, "still-here", pong.ID)
			break
		}
		require.Equal(t, protocol.TypePositionUpdate, msg.Type)
	}
}
