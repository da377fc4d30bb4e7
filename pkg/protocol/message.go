// Package protocol defines the WebSocket message types for live position streaming.
// It is shared between the server (pkg/web) and clients such as cmd/uwbwatch.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/position"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Server messages
	TypeStartVisualization MessageType = "start_visualization"
	TypeStopVisualization  MessageType = "stop_visualization"

	// Server → Client messages
	TypeConnected            MessageType = "connected"
	TypeVisualizationStarted MessageType = "visualization_started"
	TypeVisualizationStopped MessageType = "visualization_stopped"
	TypePositionUpdate       MessageType = "position_update"
	TypeError                MessageType = "error"

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Client → Server Message Types
// =============================================================================

// StartRequest asks the server to stream positions for a room and topic
type StartRequest struct {
	RoomID         string   `json:"room_id"`
	Topic          string   `json:"mqtt_topic"`
	UpdateInterval *float64 `json:"update_interval,omitempty"` // Seconds, server default when absent
}

// =============================================================================
// Server → Client Message Types
// =============================================================================

// ConnectedData acknowledges an authenticated connection
type ConnectedData struct {
	Msg     string `json:"msg"`
	Subject string `json:"subject"`
}

// StartedData acknowledges a start request
type StartedData struct {
	Msg            string  `json:"msg"`
	RoomID         string  `json:"room_id"`
	Topic          string  `json:"mqtt_topic"`
	UpdateInterval float64 `json:"update_interval"` // Seconds actually used
}

// StoppedData acknowledges a stop request
type StoppedData struct {
	Msg string `json:"msg"`
}

// ErrorData reports a rejected request or a failed cycle
type ErrorData struct {
	Msg string `json:"msg"`
}

// PositionUpdate is emitted once per streaming cycle
type PositionUpdate struct {
	Timestamp       time.Time                   `json:"timestamp"` // UTC
	RoomID          string                      `json:"room_id"`
	Topic           string                      `json:"mqtt_topic"`
	RoomDimensions  geometry.Dimensions         `json:"room_dimensions_in"`
	AnchorPositions map[string]geometry.Point   `json:"anchor_positions"`
	TagPositions    map[int64]position.Estimate `json:"tag_positions"`
	TagCount        int                         `json:"tag_count"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
