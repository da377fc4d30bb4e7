// Package ranging turns raw range reports into per-tag readings.
//
// A raw report is stored upstream exactly as it arrived from the field. Its
// payload is a JSON object:
//
//	{"id": 3, "range": [212.5, 98.0, 0, 301.2]}
//
// where range[i] is the tag-to-anchor distance in inches for anchor i and 0
// means the anchor produced no reading. Entries past the fourth are ignored.
// The id must be an integer; a whole-valued float such as 3.0 is accepted.
package ranging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-uwb/pkg/geometry"
)

// RawRecord is one stored report as returned by a RangeStore.
//
// Different writers fill different fields, so both the payload and the
// timestamp are resolved through a fixed precedence:
//
//	payload:     Data, Message
//	observed at: TS, ReceivedAt, Timestamp
//
// The first non-empty field wins. A zero time means the field is absent.
type RawRecord struct {
	Topic      string    `yaml:"topic"`
	Data       string    `yaml:"data"`
	Message    string    `yaml:"message"`
	TS         time.Time `yaml:"ts"`
	ReceivedAt time.Time `yaml:"received_at"`
	Timestamp  time.Time `yaml:"timestamp"`
}

// Payload returns the payload text following the precedence table.
func (r RawRecord) Payload() string {
	if strings.TrimSpace(r.Data) != "" {
		return r.Data
	}
	return r.Message
}

// ObservedAt returns the best available timestamp following the precedence table.
func (r RawRecord) ObservedAt() time.Time {
	for _, t := range [...]time.Time{r.TS, r.ReceivedAt, r.Timestamp} {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// RangeReading is the structured form of one valid report.
type RangeReading struct {
	TagID      int64
	Ranges     [geometry.AnchorCount]float64
	ObservedAt time.Time
}

type payload struct {
	ID    json.RawMessage `json:"id"`
	Range []float64       `json:"range"`
}

// tagID accepts JSON integers and whole-valued floats such as 3.0.
func tagID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	n := json.Number(raw)
	if id, err := n.Int64(); err == nil {
		return id, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// ParseRecord parses one raw record. On failure the error is a *ParseError.
func ParseRecord(rec RawRecord) (RangeReading, error) {
	text := bytes.TrimSpace([]byte(rec.Payload()))
	if len(text) == 0 {
		return RangeReading{}, &ParseError{Kind: EmptyPayload}
	}

	var p payload
	if err := json.Unmarshal(text, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return RangeReading{}, &ParseError{Kind: WrongType, Err: err}
		}
		return RangeReading{}, &ParseError{Kind: InvalidJSON, Err: err}
	}
	if len(p.ID) == 0 || string(p.ID) == "null" {
		return RangeReading{}, &ParseError{Kind: MissingID}
	}
	id, ok := tagID(p.ID)
	if !ok {
		return RangeReading{}, &ParseError{Kind: WrongType, Err: fmt.Errorf("id %s is not an integer", p.ID)}
	}
	if p.Range == nil {
		return RangeReading{}, &ParseError{Kind: MissingRange}
	}
	if len(p.Range) < geometry.AnchorCount {
		return RangeReading{}, &ParseError{Kind: ShortRange}
	}

	reading := RangeReading{
		TagID:      id,
		ObservedAt: rec.ObservedAt(),
	}
	copy(reading.Ranges[:], p.Range[:geometry.AnchorCount])
	return reading, nil
}

// Batch is the result of ingesting one fetch of raw records.
type Batch struct {
	// Readings holds at most one reading per tag.
	Readings map[int64]RangeReading
	// Order lists tag ids in the order they were first seen.
	Order []int64
	// Skipped counts rejected records by reason.
	Skipped map[ParseErrorKind]int
	// Total is the number of records examined.
	Total int
}

// Empty reports whether the batch produced no readings.
func (b Batch) Empty() bool {
	return len(b.Readings) == 0
}

// SkippedTotal returns the number of rejected records.
func (b Batch) SkippedTotal() int {
	n := 0
	for _, c := range b.Skipped {
		n += c
	}
	return n
}

// Ingest parses records ordered newest first and keeps the first valid reading
// for each tag. Malformed records are counted and dropped.
func Ingest(records []RawRecord) Batch {
	b := Batch{
		Readings: make(map[int64]RangeReading),
		Skipped:  make(map[ParseErrorKind]int),
		Total:    len(records),
	}
	for _, rec := range records {
		reading, err := ParseRecord(rec)
		if err != nil {
			b.Skipped[KindOf(err)]++
			continue
		}
		if _, seen := b.Readings[reading.TagID]; seen {
			continue
		}
		b.Readings[reading.TagID] = reading
		b.Order = append(b.Order, reading.TagID)
	}
	return b
}

// Topic bounds: a topic is a 7-digit number.
const (
	minTopic = 1000000
	maxTopic = 9999999
)

// ValidateTopic checks that topic is a 7-digit number.
func ValidateTopic(topic string) error {
	if len(topic) != 7 {
		return ErrInvalidTopic
	}
	n, err := strconv.Atoi(topic)
	if err != nil || n < minTopic || n > maxTopic {
		return ErrInvalidTopic
	}
	return nil
}
