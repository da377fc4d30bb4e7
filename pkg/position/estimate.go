package position

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-uwb/pkg/geometry"
)

// Error strings carried by failed estimates.
const (
	ErrInsufficientRanges = "insufficient ranges"
	ErrDegenerateGeometry = "degenerate anchor geometry"
	ErrCalculationFailed  = "calculation failed"
)

// Estimate is the computed position of one tag for one cycle.
// X, Y and the normalized pair are nil unless Status is true.
type Estimate struct {
	TagID           int64              `json:"tag_id"`
	X               *float64           `json:"x"`
	Y               *float64           `json:"y"`
	XNormalized     *float64           `json:"x_normalized"`
	YNormalized     *float64           `json:"y_normalized"`
	Status          bool               `json:"status"`
	SelectedAnchors AnchorSet          `json:"selected_anchors"`
	Error           *string            `json:"error"`
	Ranges          map[string]float64 `json:"ranges,omitempty"`
	ObservedAt      *time.Time         `json:"timestamp,omitempty"`
}

// Point returns the estimated position, if any.
func (e Estimate) Point() (geometry.Point, bool) {
	if !e.Status || e.X == nil || e.Y == nil {
		return geometry.Point{}, false
	}
	return geometry.Point{X: *e.X, Y: *e.Y}, true
}

// Reason returns the failure reason, or "" for a successful estimate.
func (e Estimate) Reason() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// AnchorSet is a list of anchor indices, written on the wire as labels ("A0").
type AnchorSet []int

// MarshalJSON implements json.Marshaler.
func (s AnchorSet) MarshalJSON() ([]byte, error) {
	labels := make([]string, len(s))
	for i, idx := range s {
		labels[i] = geometry.Label(idx)
	}
	return json.Marshal(labels)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *AnchorSet) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	out := make(AnchorSet, 0, len(labels))
	for _, l := range labels {
		idx, err := strconv.Atoi(strings.TrimPrefix(l, "A"))
		if err != nil || !strings.HasPrefix(l, "A") {
			return fmt.Errorf("position: bad anchor label %q", l)
		}
		out = append(out, idx)
	}
	*s = out
	return nil
}

func failed(tagID int64, reason string) Estimate {
	return Estimate{
		TagID:           tagID,
		Status:          false,
		SelectedAnchors: AnchorSet{},
		Error:           &reason,
	}
}

func float(v float64) *float64 { return &v }
