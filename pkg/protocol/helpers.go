package protocol

import (
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStartMessage creates a start_visualization request.
// A non-positive interval leaves the choice to the server.
func NewStartMessage(roomID, topic string, interval time.Duration) (*Message, error) {
	req := StartRequest{RoomID: roomID, Topic: topic}
	if interval > 0 {
		secs := interval.Seconds()
		req.UpdateInterval = &secs
	}
	return NewMessage(TypeStartVisualization, req)
}

// NewStopMessage creates a stop_visualization request
func NewStopMessage() (*Message, error) {
	return NewMessage(TypeStopVisualization, nil)
}

// NewConnectedMessage creates a connection acknowledgment
func NewConnectedMessage(subject string) (*Message, error) {
	return NewMessage(TypeConnected, ConnectedData{
		Msg:     "Connected successfully",
		Subject: subject,
	})
}

// NewStartedMessage creates a visualization_started acknowledgment
func NewStartedMessage(roomID, topic string, interval time.Duration) (*Message, error) {
	return NewMessage(TypeVisualizationStarted, StartedData{
		Msg:            "Visualization started",
		RoomID:         roomID,
		Topic:          topic,
		UpdateInterval: interval.Seconds(),
	})
}

// NewStoppedMessage creates a visualization_stopped acknowledgment
func NewStoppedMessage() (*Message, error) {
	return NewMessage(TypeVisualizationStopped, StoppedData{Msg: "Visualization stopped"})
}

// NewErrorMessage creates an error event
func NewErrorMessage(msg string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Msg: msg})
}

// NewPositionMessage creates a position_update event
func NewPositionMessage(update PositionUpdate) (*Message, error) {
	return NewMessage(TypePositionUpdate, update)
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetStartRequest extracts a start request from a message
func (m *Message) GetStartRequest() (*StartRequest, error) {
	var data StartRequest
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPositionUpdate extracts a position update from a message
func (m *Message) GetPositionUpdate() (*PositionUpdate, error) {
	var data PositionUpdate
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStartedData extracts a start acknowledgment from a message
func (m *Message) GetStartedData() (*StartedData, error) {
	var data StartedData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts an error event from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetConnectedData extracts a connection acknowledgment from a message
func (m *Message) GetConnectedData() (*ConnectedData, error) {
	var data ConnectedData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
