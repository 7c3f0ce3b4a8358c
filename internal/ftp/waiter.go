package ftp

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/protocol/obex"
	"github.com/rs/zerolog"
)

// Waiter is a Listener that queues events so a caller can block on the one
// it needs. A full queue drops the event rather than stall the service's
// dispatch goroutine.
type Waiter struct {
	events  chan Event
	dropped atomic.Int64
	logger  zerolog.Logger
}

var _ Listener = (*Waiter)(nil)

func NewWaiter(buffer int) *Waiter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Waiter{events: make(chan Event, buffer), logger: logging.For("ftp-waiter")}
}

// Dropped counts events lost to a full queue.
func (w *Waiter) Dropped() int64 {
	return w.dropped.Load()
}

// Next returns the next event in delivery order.
func (w *Waiter) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-w.events:
		return ev, nil
	}
}

// Until discards events until match accepts one and returns it.
func (w *Waiter) Until(ctx context.Context, match func(Event) bool) (Event, error) {
	for {
		ev, err := w.Next(ctx)
		if err != nil {
			return nil, err
		}
		if match(ev) {
			return ev, nil
		}
	}
}

// Drain returns whatever is queued without blocking.
func (w *Waiter) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-w.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (w *Waiter) push(ev Event) {
	select {
	case w.events <- ev:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn().Int64("dropped", n).Type("event", ev).Msg("waiter queue full, event dropped")
	}
}

func (w *Waiter) OnStateChange(prev, next link.State) {
	w.push(StateChange{Prev: prev, Next: next})
}

func (w *Waiter) OnConnectComplete(result link.Result, connID uint32) {
	w.push(ConnectComplete{Result: result, ConnID: connID})
}

func (w *Waiter) OnDisconnectComplete(result link.Result) {
	w.push(DisconnectComplete{Result: result})
}

func (w *Waiter) OnDeleteComplete(result link.Result, name string) {
	w.push(DeleteComplete{Result: result, Name: name})
}

func (w *Waiter) OnChangeFolderComplete(result link.Result, folder string) {
	w.push(ChangeFolderComplete{Result: result, Folder: folder})
}

func (w *Waiter) OnGetFileComplete(result link.Result, localPath string) {
	w.push(GetFileComplete{Result: result, LocalPath: localPath})
}

func (w *Waiter) OnFolderListingComplete(result link.Result, folder string, items []obex.FolderListingItem) {
	w.push(FolderListingComplete{Result: result, Folder: folder, Items: items})
}

// ConnectOutcome matches the event that settles a Connect call: a connect
// completion or a fall back to Disconnected.
func ConnectOutcome(ev Event) bool {
	switch e := ev.(type) {
	case ConnectComplete:
		return true
	case StateChange:
		return e.Next == link.Disconnected
	}
	return false
}
