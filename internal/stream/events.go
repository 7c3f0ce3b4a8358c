package stream

import (
	"github.com/danmuck/syncctl/internal/event"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/stroke"
)

// Listener receives service events on the service's dispatch goroutine.
// Callbacks may call back into the Service.
type Listener interface {
	OnStateChange(prev, next link.State)
	OnCaptureReport(r hid.CaptureReport)
	OnDrawnPaths(paths []stroke.Path)
	OnErase()
	OnSave()
}

// Event is one item on the service's event bus.
type Event = event.Event[Listener]

type StateChange struct {
	Prev link.State
	Next link.State
}

func (e StateChange) Deliver(l Listener) { l.OnStateChange(e.Prev, e.Next) }

type CaptureReceived struct {
	Report hid.CaptureReport
}

func (e CaptureReceived) Deliver(l Listener) { l.OnCaptureReport(e.Report) }

type PathsDrawn struct {
	Paths []stroke.Path
}

func (e PathsDrawn) Deliver(l Listener) { l.OnDrawnPaths(e.Paths) }

type Erased struct{}

func (Erased) Deliver(l Listener) { l.OnErase() }

type Saved struct{}

func (Saved) Deliver(l Listener) { l.OnSave() }
