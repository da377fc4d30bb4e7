package stream

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
)

// Sentinel errors for start validation and per-cycle failures.
var (
	// ErrMissingField is returned when a start request lacks room_id or mqtt_topic.
	ErrMissingField = errors.New("stream: room_id and mqtt_topic are required")

	// ErrRoomNotFound is returned when the requested room does not exist.
	ErrRoomNotFound = errors.New("stream: room not found")

	// ErrForbidden is returned when the subject may not read the room or topic.
	ErrForbidden = errors.New("stream: access denied")

	// ErrInvalidInterval is returned for a negative or non-finite update interval.
	ErrInvalidInterval = errors.New("stream: invalid update interval")

	// ErrNoData is returned by a pass that produced no readings.
	ErrNoData = errors.New("stream: no data")

	// ErrNoRecords means the store returned nothing for the topic.
	ErrNoRecords = fmt.Errorf("%w: no records for topic", ErrNoData)

	// ErrNoValidReadings means every record for the topic was malformed.
	ErrNoValidReadings = fmt.Errorf("%w: no valid readings", ErrNoData)
)

// PanicError wraps a value recovered from a panicking pass.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("stream: pass panicked: %v", e.Value)
}

// ClientMessage maps an error to the text sent to clients in an error event.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "room_id and mqtt_topic are required"
	case errors.Is(err, ranging.ErrInvalidTopic):
		return "Invalid MQTT topic. Must be a 7-digit number"
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, ErrForbidden):
		return "You don't have access to this room"
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return "Room has invalid dimensions"
	case errors.Is(err, ErrInvalidInterval):
		return "Invalid update_interval"
	case errors.Is(err, ErrNoRecords):
		return "No MQTT data found for this topic"
	case errors.Is(err, ErrNoValidReadings):
		return "No valid tag data found in MQTT records"
	default:
		return fmt.Sprintf("Update error: %v", err)
	}
}
