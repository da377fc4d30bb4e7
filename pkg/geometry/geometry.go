// Package geometry derives anchor coordinates from a rectangular room.
//
// Anchors sit on the corners of the room, counter-clockwise from the origin:
//
//	A3 (0,H) ─────── A2 (W,H)
//	   │                 │
//	A0 (0,0) ─────── A1 (W,0)
//
// All distances are in inches.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// AnchorCount is the number of anchors in every room.
const AnchorCount = 4

// ErrInvalidGeometry is returned when a room cannot host the anchor rectangle.
var ErrInvalidGeometry = errors.New("geometry: invalid room dimensions")

// Room is the read-only room record the resolver works from.
type Room struct {
	ID       string  `json:"room_id" yaml:"id"`
	Owner    string  `json:"owner,omitempty" yaml:"owner"`
	Label    string  `json:"label,omitempty" yaml:"label"`
	WidthIn  float64 `json:"width_in" yaml:"width_in"`
	HeightIn float64 `json:"height_in" yaml:"height_in"`
}

// Dimensions is the room size block carried by every position update.
type Dimensions struct {
	WidthIn  float64 `json:"width_in"`
	HeightIn float64 `json:"height_in"`
}

// Dimensions returns the room size.
func (r Room) Dimensions() Dimensions {
	return Dimensions{WidthIn: r.WidthIn, HeightIn: r.HeightIn}
}

// Validate reports whether the room has a usable width and height.
func (r Room) Validate() error {
	if !validSide(r.WidthIn) || !validSide(r.HeightIn) {
		return fmt.Errorf("%w: width=%v height=%v", ErrInvalidGeometry, r.WidthIn, r.HeightIn)
	}
	return nil
}

func validSide(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Point is a position in room coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Anchor is a fixed reference point with known coordinates.
type Anchor struct {
	Index int
	Point
}

// Label returns the anchor's wire name ("A0".."A3").
func (a Anchor) Label() string {
	return Label(a.Index)
}

// Label returns the wire name for an anchor index.
func Label(index int) string {
	return fmt.Sprintf("A%d", index)
}

// Anchors holds the four anchors of a room, indexed by anchor index.
type Anchors [AnchorCount]Anchor

// Positions returns the anchors keyed by label.
func (a Anchors) Positions() map[string]Point {
	out := make(map[string]Point, AnchorCount)
	for _, anchor := range a {
		out[anchor.Label()] = anchor.Point
	}
	return out
}

// Resolve derives the four anchor coordinates from the room's width and height.
func Resolve(room Room) (Anchors, error) {
	if err := room.Validate(); err != nil {
		return Anchors{}, err
	}
	w, h := room.WidthIn, room.HeightIn
	return Anchors{
		{Index: 0, Point: Point{X: 0, Y: 0}},
		{Index: 1, Point: Point{X: w, Y: 0}},
		{Index: 2, Point: Point{X: w, Y: h}},
		{Index: 3, Point: Point{X: 0, Y: h}},
	}, nil
}
