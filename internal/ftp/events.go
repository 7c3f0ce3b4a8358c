package ftp

import (
	"github.com/danmuck/syncctl/internal/event"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/protocol/obex"
)

// Listener receives service events on the service's dispatch goroutine.
// Callbacks may call back into the Service.
type Listener interface {
	OnStateChange(prev, next link.State)
	OnConnectComplete(result link.Result, connID uint32)
	OnDisconnectComplete(result link.Result)
	// OnDeleteComplete carries the deleted name; it is empty on failure.
	OnDeleteComplete(result link.Result, name string)
	// OnChangeFolderComplete carries the resolved folder; it is empty on failure.
	OnChangeFolderComplete(result link.Result, folder string)
	// OnGetFileComplete carries the local path of the stored file.
	OnGetFileComplete(result link.Result, localPath string)
	OnFolderListingComplete(result link.Result, folder string, items []obex.FolderListingItem)
}

// Event is one item on the service's event bus.
type Event = event.Event[Listener]

type StateChange struct {
	Prev link.State
	Next link.State
}

func (e StateChange) Deliver(l Listener) { l.OnStateChange(e.Prev, e.Next) }

type ConnectComplete struct {
	Result link.Result
	ConnID uint32
}

func (e ConnectComplete) Deliver(l Listener) { l.OnConnectComplete(e.Result, e.ConnID) }

type DisconnectComplete struct {
	Result link.Result
}

func (e DisconnectComplete) Deliver(l Listener) { l.OnDisconnectComplete(e.Result) }

type DeleteComplete struct {
	Result link.Result
	Name   string
}

func (e DeleteComplete) Deliver(l Listener) { l.OnDeleteComplete(e.Result, e.Name) }

type ChangeFolderComplete struct {
	Result link.Result
	Folder string
}

func (e ChangeFolderComplete) Deliver(l Listener) { l.OnChangeFolderComplete(e.Result, e.Folder) }

type GetFileComplete struct {
	Result    link.Result
	LocalPath string
}

func (e GetFileComplete) Deliver(l Listener) { l.OnGetFileComplete(e.Result, e.LocalPath) }

type FolderListingComplete struct {
	Result link.Result
	Folder string
	Items  []obex.FolderListingItem
}

func (e FolderListingComplete) Deliver(l Listener) {
	l.OnFolderListingComplete(e.Result, e.Folder, e.Items)
}
