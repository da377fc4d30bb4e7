package ranging

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseRecord(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		rec      RawRecord
		want     RangeReading
		wantKind ParseErrorKind
	}{
		{
			name: "valid four ranges",
			rec:  RawRecord{Data: `{"id":1,"range":[100,200,300,400]}`, TS: ts},
			want: RangeReading{TagID: 1, Ranges: [4]float64{100, 200, 300, 400}, ObservedAt: ts},
		},
		{
			name: "extra ranges ignored",
			rec:  RawRecord{Data: `{"id":7,"range":[1,2,3,4,5,6,7,8]}`},
			want: RangeReading{TagID: 7, Ranges: [4]float64{1, 2, 3, 4}},
		},
		{
			name: "message used when data empty",
			rec:  RawRecord{Data: "  ", Message: `{"id":2,"range":[0,0,50,60]}`},
			want: RangeReading{TagID: 2, Ranges: [4]float64{0, 0, 50, 60}},
		},
		{
			name: "null range entry reads as no reading",
			rec:  RawRecord{Data: `{"id":3,"range":[10,null,30,40]}`},
			want: RangeReading{TagID: 3, Ranges: [4]float64{10, 0, 30, 40}},
		},
		{
			name: "whole float id",
			rec:  RawRecord{Data: `{"id":3.0,"range":[1,2,3,4]}`},
			want: RangeReading{TagID: 3, Ranges: [4]float64{1, 2, 3, 4}},
		},
		{
			name: "exponent id",
			rec:  RawRecord{Data: `{"id":1e1,"range":[1,2,3,4]}`},
			want: RangeReading{TagID: 10, Ranges: [4]float64{1, 2, 3, 4}},
		},
		{
			name: "negative id",
			rec:  RawRecord{Data: `{"id":-4,"range":[1,2,3,4]}`},
			want: RangeReading{TagID: -4, Ranges: [4]float64{1, 2, 3, 4}},
		},
		{name: "empty", rec: RawRecord{}, wantKind: EmptyPayload},
		{name: "not json", rec: RawRecord{Data: "begin"}, wantKind: InvalidJSON},
		{name: "truncated json", rec: RawRecord{Data: `{"id":1,"range":[1,2`}, wantKind: InvalidJSON},
		{name: "id is a string", rec: RawRecord{Data: `{"id":"tag","range":[1,2,3,4]}`}, wantKind: WrongType},
		{name: "id is a numeric string", rec: RawRecord{Data: `{"id":"3","range":[1,2,3,4]}`}, wantKind: WrongType},
		{name: "fractional id", rec: RawRecord{Data: `{"id":3.5,"range":[1,2,3,4]}`}, wantKind: WrongType},
		{name: "boolean id", rec: RawRecord{Data: `{"id":true,"range":[1,2,3,4]}`}, wantKind: WrongType},
		{name: "range is a string", rec: RawRecord{Data: `{"id":1,"range":"1,2,3,4"}`}, wantKind: WrongType},
		{name: "array payload", rec: RawRecord{Data: `[1,2,3,4]`}, wantKind: WrongType},
		{name: "missing id", rec: RawRecord{Data: `{"range":[1,2,3,4]}`}, wantKind: MissingID},
		{name: "null id", rec: RawRecord{Data: `{"id":null,"range":[1,2,3,4]}`}, wantKind: MissingID},
		{name: "missing range", rec: RawRecord{Data: `{"id":1}`}, wantKind: MissingRange},
		{name: "short range", rec: RawRecord{Data: `{"id":1,"range":[1,2,3]}`}, wantKind: ShortRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecord(tt.rec)
			if tt.wantKind != 0 {
				if err == nil {
					t.Fatalf("ParseRecord() = %+v, want error kind %v", got, tt.wantKind)
				}
				if !errors.Is(err, ErrMalformedPayload) {
					t.Errorf("error %v does not match ErrMalformedPayload", err)
				}
				if kind := KindOf(err); kind != tt.wantKind {
					t.Errorf("KindOf() = %v, want %v", kind, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecord() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseRecord() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRawRecord_ObservedAt(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	t2 := time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC)
	t3 := time.Date(2025, 1, 1, 0, 0, 3, 0, time.UTC)

	tests := []struct {
		name string
		rec  RawRecord
		want time.Time
	}{
		{"ts wins", RawRecord{TS: t1, ReceivedAt: t2, Timestamp: t3}, t1},
		{"received_at second", RawRecord{ReceivedAt: t2, Timestamp: t3}, t2},
		{"timestamp last", RawRecord{Timestamp: t3}, t3},
		{"none", RawRecord{}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ObservedAt(); !got.Equal(tt.want) {
				t.Errorf("ObservedAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIngest_FirstSeenWins(t *testing.T) {
	records := []RawRecord{
		{Data: `{"id":1,"range":[10,20,30,40]}`},
		{Data: `garbage`},
		{Data: `{"id":2,"range":[50,60,70,80]}`},
		{Data: `{"id":1,"range":[99,99,99,99]}`},
		{Data: `{"id":3,"range":[1,2]}`},
	}

	b := Ingest(records)

	if b.Total != 5 {
		t.Errorf("Total = %d, want 5", b.Total)
	}
	if len(b.Readings) != 2 {
		t.Fatalf("len(Readings) = %d, want 2", len(b.Readings))
	}
	if got := b.Readings[1].Ranges; got != [4]float64{10, 20, 30, 40} {
		t.Errorf("tag 1 ranges = %v, want the newest report", got)
	}
	if diff := cmp.Diff([]int64{1, 2}, b.Order); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if b.SkippedTotal() != 2 {
		t.Errorf("SkippedTotal() = %d, want 2", b.SkippedTotal())
	}
	if b.Skipped[InvalidJSON] != 1 || b.Skipped[ShortRange] != 1 {
		t.Errorf("Skipped = %v", b.Skipped)
	}
}

func TestIngest_Empty(t *testing.T) {
	if b := Ingest(nil); !b.Empty() {
		t.Error("Ingest(nil) should be empty")
	}

	b := Ingest([]RawRecord{{Data: "x"}, {Message: `{"id":1}`}})
	if !b.Empty() {
		t.Errorf("Ingest(all malformed) = %+v, want empty", b.Readings)
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic string
		ok    bool
	}{
		{"1000087", true},
		{"9999999", true},
		{"1000000", true},
		{"0999999", false},
		{"999999", false},
		{"10000000", false},
		{"abcdefg", false},
		{"+100000", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateTopic(tt.topic)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTopic(%q) error = %v, want ok=%v", tt.topic, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateTopic(%q) error = %v, want ErrInvalidTopic", tt.topic, err)
		}
	}
}
