// Package position estimates 2D tag positions from anchor ranges.
//
// The estimator picks the three closest anchors that reported a range and,
// for every pair among them, computes a point on the anchor-to-anchor
// baseline with the two-circle approximation:
//
//	d = |P2 - P1|
//	r1 + r2 <= d:  point = P1 + (P2 - P1) * r1 / (r1 + r2)
//	otherwise:     dr = d/2 + (r1² - r2²) / (2d)
//	               point = P1 + (P2 - P1) * dr / d
//
// The three pair points are averaged, clamped to the room and normalized.
// The approximation drops the perpendicular component of the true circle
// intersection; estimates are therefore biased toward the baselines. Existing
// consumers depend on that bias, so the formula must not change.
package position

import (
	"math"
	"sort"

	"github.com/teslashibe/go-uwb/pkg/geometry"
	"github.com/teslashibe/go-uwb/pkg/ranging"
)

// MinRanges is the number of valid ranges needed for an estimate.
const MinRanges = 3

type anchorRange struct {
	index int
	r     float64
}

// Locate computes the position estimate for one reading.
// The anchors must come from geometry.Resolve(room).
func Locate(reading ranging.RangeReading, anchors geometry.Anchors, room geometry.Room) Estimate {
	valid := make([]anchorRange, 0, geometry.AnchorCount)
	for i, r := range reading.Ranges {
		if r > 0 {
			valid = append(valid, anchorRange{index: i, r: r})
		}
	}

	var est Estimate
	if len(valid) < MinRanges {
		est = failed(reading.TagID, ErrInsufficientRanges)
	} else {
		est = solve(reading.TagID, valid, anchors, room)
	}

	est.Ranges = make(map[string]float64, geometry.AnchorCount)
	for i, r := range reading.Ranges {
		est.Ranges[geometry.Label(i)] = r
	}
	if !reading.ObservedAt.IsZero() {
		t := reading.ObservedAt.UTC()
		est.ObservedAt = &t
	}
	return est
}

func solve(tagID int64, valid []anchorRange, anchors geometry.Anchors, room geometry.Room) Estimate {
	// Ties keep anchor-index order.
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].r < valid[j].r })
	selected := valid[:MinRanges]

	var sumX, sumY float64
	count := 0
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			a, b := selected[i], selected[j]
			p, ok := TwoCirclePoint(anchors[a.index].Point, anchors[b.index].Point, a.r, b.r)
			if !ok {
				continue
			}
			sumX += p.X
			sumY += p.Y
			count++
		}
	}
	if count == 0 {
		return failed(tagID, ErrDegenerateGeometry)
	}

	x := sumX / float64(count)
	y := sumY / float64(count)
	if !finite(x) || !finite(y) {
		return failed(tagID, ErrCalculationFailed)
	}

	w, h := room.WidthIn, room.HeightIn
	x = clamp(x, 0, w)
	y = clamp(y, 0, h)

	ids := make(AnchorSet, len(selected))
	for i, s := range selected {
		ids[i] = s.index
	}

	est := Estimate{
		TagID:           tagID,
		X:               float(x),
		Y:               float(y),
		Status:          true,
		SelectedAnchors: ids,
	}
	if w > 0 {
		est.XNormalized = float(x / w)
	}
	if h > 0 {
		est.YNormalized = float(y / h)
	}
	return est
}

// TwoCirclePoint returns the baseline point for anchors p1 and p2 with ranges
// r1 and r2. It reports false when the anchors coincide.
func TwoCirclePoint(p1, p2 geometry.Point, r1, r2 float64) (geometry.Point, bool) {
	d := math.Sqrt((p1.X-p2.X)*(p1.X-p2.X) + (p1.Y-p2.Y)*(p1.Y-p2.Y))
	if d == 0 {
		return geometry.Point{}, false
	}

	if r1+r2 <= d {
		return geometry.Point{
			X: p1.X + (p2.X-p1.X)*r1/(r1+r2),
			Y: p1.Y + (p2.Y-p1.Y)*r1/(r1+r2),
		}, true
	}

	dr := d/2 + (r1*r1-r2*r2)/(2*d)
	return geometry.Point{
		X: p1.X + (p2.X-p1.X)*dr/d,
		Y: p1.Y + (p2.Y-p1.Y)*dr/d,
	}, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
