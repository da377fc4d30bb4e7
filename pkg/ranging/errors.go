package ranging

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrMalformedPayload matches every ParseError.
	ErrMalformedPayload = errors.New("ranging: malformed payload")

	// ErrInvalidTopic is returned when a topic is not a 7-digit number.
	ErrInvalidTopic = errors.New("ranging: invalid topic, must be a 7-digit number")
)

// ParseErrorKind classifies why a raw record was rejected.
type ParseErrorKind int

const (
	// EmptyPayload means neither payload field carried any text.
	EmptyPayload ParseErrorKind = iota + 1
	// InvalidJSON means the payload is not a JSON object.
	InvalidJSON
	// WrongType means a field holds a value of the wrong JSON type.
	WrongType
	// MissingID means the payload has no "id".
	MissingID
	// MissingRange means the payload has no "range".
	MissingRange
	// ShortRange means "range" has fewer entries than there are anchors.
	ShortRange
)

// String implements fmt.Stringer.
func (k ParseErrorKind) String() string {
	switch k {
	case EmptyPayload:
		return "empty_payload"
	case InvalidJSON:
		return "invalid_json"
	case WrongType:
		return "wrong_type"
	case MissingID:
		return "missing_id"
	case MissingRange:
		return "missing_range"
	case ShortRange:
		return "short_range"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseError is the failure side of ParseRecord.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ranging: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ranging: %s", e.Kind)
}

// Unwrap returns the underlying decode error, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match ErrMalformedPayload.
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// KindOf returns the kind of a ParseError, or 0 if err is not one.
func KindOf(err error) ParseErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
