package ftp

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/syncctl/internal/discovery"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/protocol/obex/obextest"
	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/testutil/testlog"
	"github.com/danmuck/syncctl/internal/transport"
)

const waitTimeout = 5 * time.Second

type pipeDialer struct {
	mu      sync.Mutex
	servers map[string]*obextest.Server
	gates   map[string]chan struct{}
	peers   map[string][]net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		servers: make(map[string]*obextest.Server),
		gates:   make(map[string]chan struct{}),
		peers:   make(map[string][]net.Conn),
	}
}

func (d *pipeDialer) serve(address string, srv *obextest.Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers[address] = srv
}

// gate makes dials to address block until the returned func is called.
func (d *pipeDialer) gate(address string) func() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.gates[address] = ch
	d.mu.Unlock()
	return func() { close(ch) }
}

func (d *pipeDialer) peer(address string) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.peers[address]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	d.mu.Lock()
	gate := d.gates[address]
	srv := d.servers[address]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if srv == nil {
		return nil, errors.New("host unreachable")
	}
	client, server := net.Pipe()
	d.mu.Lock()
	d.peers[address] = append(d.peers[address], server)
	d.mu.Unlock()
	go func() { _ = srv.Serve(server) }()
	return client, nil
}

func sampleTree() map[string][]obextest.Entry {
	return map[string][]obextest.Entry{
		"/": {
			{Name: "notes", Folder: true},
			{Name: "older.pdf", Modified: "20240101T080000", Data: []byte("old")},
			{Name: "newer.pdf", Modified: "20240301T080000", Data: []byte("newer page")},
		},
		"/notes": {
			{Name: "b.pdf", Modified: "20240302T101500", Data: []byte("stored body")},
		},
	}
}

func newTestService(t *testing.T, d *pipeDialer) (*Service, *Waiter) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.StoreDir = t.TempDir()
	svc := NewService(Config{Session: cfg, Dialer: d})
	w := NewWaiter(128)
	if !svc.AddListener(w) {
		t.Fatalf("add listener failed")
	}
	t.Cleanup(svc.Close)
	return svc, w
}

func next(t *testing.T, w *Waiter) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}
	return ev
}

func expectState(t *testing.T, w *Waiter, prev, nextState link.State) {
	t.Helper()
	ev := next(t, w)
	sc, ok := ev.(StateChange)
	if !ok || sc.Prev != prev || sc.Next != nextState {
		t.Fatalf("expected state %v->%v, got %#v", prev, nextState, ev)
	}
}

func expectQuiet(t *testing.T, w *Waiter) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	if extra := w.Drain(); len(extra) != 0 {
		t.Fatalf("unexpected events: %#v", extra)
	}
}

func connect(t *testing.T, svc *Service, w *Waiter, address string) {
	t.Helper()
	if !svc.Connect(address) {
		t.Fatalf("connect rejected")
	}
	expectState(t, w, link.Disconnected, link.Connecting)
	ev := next(t, w)
	if cc, ok := ev.(ConnectComplete); !ok || cc.Result != link.ResultOK {
		t.Fatalf("expected connect ok, got %#v", ev)
	}
	expectState(t, w, link.Connecting, link.Connected)
}

func TestFileTransferSession(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("sync-a", obextest.NewServer(sampleTree()))
	svc, w := newTestService(t, d)

	connect(t, svc, w, "sync-a")
	if svc.DirectoryURI() != "/" || svc.ConnectedDevice() != "sync-a" {
		t.Fatalf("unexpected connected view: dir=%q device=%q", svc.DirectoryURI(), svc.ConnectedDevice())
	}

	if !svc.ListFolder("") {
		t.Fatalf("list rejected")
	}
	ev := next(t, w)
	listing, ok := ev.(FolderListingComplete)
	if !ok || listing.Result != link.ResultOK {
		t.Fatalf("expected listing ok, got %#v", ev)
	}
	var got []string
	for _, item := range listing.Items {
		got = append(got, item.Name)
	}
	if len(got) != 3 || got[0] != "notes" || got[1] != "newer.pdf" || got[2] != "older.pdf" {
		t.Fatalf("unexpected listing order: %v", got)
	}

	svc.ChangeFolder("notes")
	ev = next(t, w)
	if cf, ok := ev.(ChangeFolderComplete); !ok || cf.Result != link.ResultOK || cf.Folder != "/notes" {
		t.Fatalf("expected change folder to /notes, got %#v", ev)
	}
	if svc.DirectoryURI() != "/notes" {
		t.Fatalf("directory not tracked: %q", svc.DirectoryURI())
	}

	svc.GetFile("b.pdf")
	ev = next(t, w)
	gf, ok := ev.(GetFileComplete)
	if !ok || gf.Result != link.ResultOK {
		t.Fatalf("expected get file ok, got %#v", ev)
	}
	body, err := os.ReadFile(gf.LocalPath)
	if err != nil || string(body) != "stored body" {
		t.Fatalf("stored file mismatch: body=%q err=%v", body, err)
	}
	if filepath.Base(gf.LocalPath) != "b.pdf" {
		t.Fatalf("unexpected local name: %s", gf.LocalPath)
	}

	svc.DeleteFile("b.pdf")
	ev = next(t, w)
	if del, ok := ev.(DeleteComplete); !ok || del.Result != link.ResultOK || del.Name != "b.pdf" {
		t.Fatalf("expected delete ok, got %#v", ev)
	}

	svc.DeleteFile("b.pdf")
	ev = next(t, w)
	if del, ok := ev.(DeleteComplete); !ok || del.Result != link.ResultFail || del.Name != "" {
		t.Fatalf("expected delete fail, got %#v", ev)
	}

	svc.ChangeFolder("..")
	ev = next(t, w)
	if cf, ok := ev.(ChangeFolderComplete); !ok || cf.Folder != "/" {
		t.Fatalf("expected change folder to /, got %#v", ev)
	}

	svc.ListFolder("missing")
	ev = next(t, w)
	if lf, ok := ev.(FolderListingComplete); !ok || lf.Result != link.ResultFail || lf.Items != nil {
		t.Fatalf("expected listing fail, got %#v", ev)
	}
	if svc.State() != link.Connected {
		t.Fatalf("protocol failure must not end the session, state=%v", svc.State())
	}

	if !svc.Disconnect() {
		t.Fatalf("disconnect rejected")
	}
	expectState(t, w, link.Connected, link.Disconnected)
	ev = next(t, w)
	if dc, ok := ev.(DisconnectComplete); !ok || dc.Result != link.ResultOK {
		t.Fatalf("expected disconnect ok, got %#v", ev)
	}
	if svc.DirectoryURI() != "" || svc.ConnectedDevice() != "" {
		t.Fatalf("disconnected view not cleared")
	}
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	testlog.Start(t)
	svc, w := newTestService(t, newPipeDialer())
	if svc.Disconnect() {
		t.Fatalf("disconnect on idle service accepted")
	}
	expectQuiet(t, w)
}

func TestListenerRegistration(t *testing.T) {
	testlog.Start(t)
	svc, w := newTestService(t, newPipeDialer())
	if svc.AddListener(w) {
		t.Fatalf("duplicate listener accepted")
	}
	if !svc.RemoveListener(w) {
		t.Fatalf("registered listener not removed")
	}
	if svc.RemoveListener(w) {
		t.Fatalf("unknown listener removed")
	}
}

func TestOperationsRejectedWhileDisconnected(t *testing.T) {
	testlog.Start(t)
	svc, w := newTestService(t, newPipeDialer())
	if svc.ListFolder("") || svc.ChangeFolder("x") || svc.GetFile("x") || svc.DeleteFile("x") {
		t.Fatalf("operation accepted while disconnected")
	}
	if svc.Connect("  ") {
		t.Fatalf("empty address accepted")
	}
	expectQuiet(t, w)
}

func TestConnectRejectedByPeer(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	srv := obextest.NewServer(nil)
	srv.RejectConnect = true
	d.serve("sync-a", srv)
	svc, w := newTestService(t, d)

	svc.Connect("sync-a")
	expectState(t, w, link.Disconnected, link.Connecting)
	ev := next(t, w)
	if cc, ok := ev.(ConnectComplete); !ok || cc.Result != link.ResultFail {
		t.Fatalf("expected connect fail, got %#v", ev)
	}
	expectState(t, w, link.Connecting, link.Disconnected)
	expectQuiet(t, w)
}

func TestDialFailureReportsBrokenConnection(t *testing.T) {
	testlog.Start(t)
	svc, w := newTestService(t, newPipeDialer())
	svc.Connect("nowhere")
	expectState(t, w, link.Disconnected, link.Connecting)
	expectState(t, w, link.Connecting, link.Disconnected)
	expectQuiet(t, w)
}

func TestSupersededAttemptDeliversNothing(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("slow", obextest.NewServer(nil))
	d.serve("fast", obextest.NewServer(sampleTree()))
	release := d.gate("slow")
	svc, w := newTestService(t, d)

	svc.Connect("slow")
	expectState(t, w, link.Disconnected, link.Connecting)
	svc.Connect("fast")
	ev := next(t, w)
	if cc, ok := ev.(ConnectComplete); !ok || cc.Result != link.ResultOK {
		t.Fatalf("expected connect ok, got %#v", ev)
	}
	expectState(t, w, link.Connecting, link.Connected)

	release()
	expectQuiet(t, w)
	if svc.ConnectedDevice() != "fast" {
		t.Fatalf("unexpected device: %q", svc.ConnectedDevice())
	}
	if addrs := svc.Addresses(); len(addrs) != 2 || addrs[0] != "fast" || addrs[1] != "slow" {
		t.Fatalf("unexpected address order: %v", addrs)
	}
}

func TestConnectWhileConnectedReplacesSession(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("sync-a", obextest.NewServer(sampleTree()))
	d.serve("sync-b", obextest.NewServer(map[string][]obextest.Entry{"/": {{Name: "only-b", Folder: true}}}))
	svc, w := newTestService(t, d)
	connect(t, svc, w, "sync-a")

	svc.Connect("sync-b")
	ev := next(t, w)
	if dc, ok := ev.(DisconnectComplete); !ok || dc.Result != link.ResultOK {
		t.Fatalf("expected teardown of old session, got %#v", ev)
	}
	expectState(t, w, link.Connected, link.Connecting)
	ev = next(t, w)
	if _, ok := ev.(ConnectComplete); !ok {
		t.Fatalf("expected connect complete, got %#v", ev)
	}
	expectState(t, w, link.Connecting, link.Connected)

	svc.ListFolder("")
	ev = next(t, w)
	lf, ok := ev.(FolderListingComplete)
	if !ok || len(lf.Items) != 1 || lf.Items[0].Name != "only-b" {
		t.Fatalf("listing did not come from the new session: %#v", ev)
	}
}

func TestBrokenConnectionFailsActionThenDisconnects(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("sync-a", obextest.NewServer(sampleTree()))
	svc, w := newTestService(t, d)
	connect(t, svc, w, "sync-a")

	_ = d.peer("sync-a").Close()
	svc.ChangeFolder("notes")
	ev := next(t, w)
	if cf, ok := ev.(ChangeFolderComplete); !ok || cf.Result != link.ResultFail {
		t.Fatalf("expected change folder fail, got %#v", ev)
	}
	expectState(t, w, link.Connected, link.Disconnected)
	expectQuiet(t, w)
}

func TestDisconnectCancelsPendingAttempt(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("slow", obextest.NewServer(nil))
	release := d.gate("slow")
	defer release()
	svc, w := newTestService(t, d)

	svc.Connect("slow")
	expectState(t, w, link.Disconnected, link.Connecting)
	if !svc.Disconnect() {
		t.Fatalf("disconnect of pending attempt rejected")
	}
	expectState(t, w, link.Connecting, link.Disconnected)
	expectQuiet(t, w)
}

func TestConnectDefaultUsesDiscovery(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer()
	d.serve("sync-found", obextest.NewServer(nil))
	cfg := session.DefaultConfig()
	cfg.StoreDir = t.TempDir()
	svc := NewService(Config{
		Session: cfg,
		Dialer:  d,
		Finder: discovery.StaticFinder{
			"sync":    discovery.Paired("Sync", "sync-found"),
			"speaker": {Kind: "Speaker", AddressInfo: "Speaker\nelsewhere"},
		},
	})
	t.Cleanup(svc.Close)
	w := NewWaiter(32)
	svc.AddListener(w)

	if err := svc.ConnectDefault(context.Background()); err != nil {
		t.Fatalf("connect default: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := w.Until(ctx, ConnectOutcome)
	if err != nil {
		t.Fatalf("waiting for connect: %v", err)
	}
	if cc, ok := ev.(ConnectComplete); !ok || cc.Result != link.ResultOK {
		t.Fatalf("expected connect ok, got %#v", ev)
	}
	if addrs := svc.Addresses(); len(addrs) != 1 || addrs[0] != "sync-found" {
		t.Fatalf("unexpected addresses: %v", addrs)
	}
}

func TestResolveFolder(t *testing.T) {
	testlog.Start(t)
	cases := []struct{ cur, name, want string }{
		{"/", "notes", "/notes"},
		{"/notes", "2024", "/notes/2024"},
		{"/notes/2024", "..", "/notes"},
		{"/", "..", "/"},
		{"/notes", "", "/"},
		{"/notes", "/", "/"},
		{"", "a", "/a"},
	}
	for _, tc := range cases {
		if got := resolveFolder(tc.cur, tc.name); got != tc.want {
			t.Fatalf("resolveFolder(%q,%q)=%q want %q", tc.cur, tc.name, got, tc.want)
		}
	}
}
