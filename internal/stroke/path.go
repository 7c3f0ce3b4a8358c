// Package stroke turns stylus samples into completed paths.
package stroke

import "github.com/danmuck/syncctl/internal/protocol/hid"

// Point is a tablet coordinate.
type Point struct {
	X float64
	Y float64
}

// Path is an ordered run of points drawn with one stroke width.
type Path struct {
	Points []Point
	Width  float64
}

func (p *Path) Append(pt Point) {
	p.Points = append(p.Points, pt)
}

func (p Path) Len() int {
	return len(p.Points)
}

// Clone returns a path that shares no storage with p.
func (p Path) Clone() Path {
	return Path{Points: append([]Point(nil), p.Points...), Width: p.Width}
}

// Filter consumes capture reports and yields the paths they complete.
type Filter interface {
	Filter(r hid.CaptureReport) []Path
	Reset()
}
