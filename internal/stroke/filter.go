package stroke

import "github.com/danmuck/syncctl/internal/protocol/hid"

const (
	DefaultMinPressure = 16
	MaxPressure        = 1023
	minWidth           = 1.0
	widthRange         = 4.0
)

// PenFilter builds one path per tip-down run. Samples under MinPressure
// are treated as hover; a run of fewer than two points is dropped.
type PenFilter struct {
	MinPressure uint16

	current     Path
	pressureSum uint64
	drawing     bool
}

var _ Filter = (*PenFilter)(nil)

func NewPenFilter() *PenFilter {
	return &PenFilter{MinPressure: DefaultMinPressure}
}

func (f *PenFilter) Filter(r hid.CaptureReport) []Path {
	down := r.Tip() && r.Pressure >= f.MinPressure
	if down {
		if !f.drawing {
			f.drawing = true
			f.current = Path{}
			f.pressureSum = 0
		}
		f.current.Append(Point{X: float64(r.X), Y: float64(r.Y)})
		f.pressureSum += uint64(r.Pressure)
		return nil
	}
	if !f.drawing {
		return nil
	}
	return f.finish()
}

func (f *PenFilter) finish() []Path {
	f.drawing = false
	path := f.current
	f.current = Path{}
	if path.Len() < 2 {
		return nil
	}
	avg := float64(f.pressureSum) / float64(path.Len())
	if avg > MaxPressure {
		avg = MaxPressure
	}
	path.Width = minWidth + widthRange*avg/MaxPressure
	return []Path{path}
}

// Reset discards any unfinished path.
func (f *PenFilter) Reset() {
	f.current = Path{}
	f.pressureSum = 0
	f.drawing = false
}
