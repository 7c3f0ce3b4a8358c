package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/protocol/frame"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/stroke"
	"github.com/danmuck/syncctl/internal/testutil/testlog"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var fixedClock = time.Date(2024, time.March, 14, 15, 9, 26, 0, time.UTC)

// recorder queues events for the test goroutine.
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) OnStateChange(prev, next link.State) {
	r.events <- StateChange{Prev: prev, Next: next}
}
func (r *recorder) OnCaptureReport(c hid.CaptureReport) { r.events <- CaptureReceived{Report: c} }
func (r *recorder) OnDrawnPaths(paths []stroke.Path)    { r.events <- PathsDrawn{Paths: paths} }
func (r *recorder) OnErase()                            { r.events <- Erased{} }
func (r *recorder) OnSave()                             { r.events <- Saved{} }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func (r *recorder) expectState(t *testing.T, prev, next link.State) {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, StateChange{Prev: prev, Next: next}, ev)
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// device is the far end of a stream connection. It reads frames as fast
// as they arrive so service writes never block on the pipe.
type device struct {
	conn   net.Conn
	frames chan frame.Frame
	closed chan struct{}
}

func newDevice(conn net.Conn) *device {
	d := &device{conn: conn, frames: make(chan frame.Frame, 64), closed: make(chan struct{})}
	go func() {
		defer close(d.closed)
		for {
			f, err := frame.ReadFrame(conn, frame.DefaultLimits())
			if err != nil {
				return
			}
			d.frames <- f
		}
	}()
	return d
}

func (d *device) frame(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-d.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for frame")
		return frame.Frame{}
	}
}

func (d *device) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-d.frames:
		t.Fatalf("unexpected frame: %#v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func (d *device) send(t *testing.T, r hid.CaptureReport) {
	t.Helper()
	f := frame.Frame{Header: frame.HeaderDataInput, ReportID: hid.IDCapture, Payload: hid.EncodeCapture(r)}
	require.NoError(t, frame.WriteFrame(d.conn, f, frame.DefaultLimits()))
}

// expectHandshake checks the frames every new session starts with.
func (d *device) expectHandshake(t *testing.T) {
	t.Helper()
	require.Equal(t, hid.ModeReport(hid.ModeFile), d.frame(t))
	require.Equal(t, hid.ClockReport(fixedClock), d.frame(t))
	require.Equal(t, hid.DeviceReport(), d.frame(t))
}

// slowConn delays every write, widening any window between a command's
// checks and its send.
type slowConn struct {
	net.Conn
	delay time.Duration
}

func (c slowConn) Write(b []byte) (int, error) {
	time.Sleep(c.delay)
	return c.Conn.Write(b)
}

type pipeDialer struct {
	mu         sync.Mutex
	devices    map[string]chan *device
	gates      map[string]chan struct{}
	down       map[string]bool
	writeDelay time.Duration
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		devices: make(map[string]chan *device),
		gates:   make(map[string]chan struct{}),
		down:    make(map[string]bool),
	}
}

func (p *pipeDialer) devicesFor(address string) chan *device {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.devices[address]
	if !ok {
		ch = make(chan *device, 8)
		p.devices[address] = ch
	}
	return ch
}

func (p *pipeDialer) gate(address string) func() {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gates[address] = ch
	p.mu.Unlock()
	return func() { close(ch) }
}

func (p *pipeDialer) unreachable(address string) {
	p.mu.Lock()
	p.down[address] = true
	p.mu.Unlock()
}

func (p *pipeDialer) device(t *testing.T, address string) *device {
	t.Helper()
	select {
	case d := <-p.devicesFor(address):
		return d
	case <-time.After(waitTimeout):
		t.Fatalf("no connection to %s", address)
		return nil
	}
}

func (p *pipeDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	p.mu.Lock()
	gate := p.gates[address]
	down := p.down[address]
	delay := p.writeDelay
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if down {
		return nil, errors.New("host unreachable")
	}
	client, server := net.Pipe()
	p.devicesFor(address) <- newDevice(server)
	if delay > 0 {
		return slowConn{Conn: client, delay: delay}, nil
	}
	return client, nil
}

type chanAcceptor struct {
	conns chan transport.Conn
	done  chan struct{}
	once  sync.Once
}

func (a *chanAcceptor) Accept() (transport.Conn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.done:
		return nil, net.ErrClosed
	}
}

func (a *chanAcceptor) Close() error {
	a.once.Do(func() { close(a.done) })
	return nil
}

func (a *chanAcceptor) Addr() string { return "chan" }

type chanBinder struct {
	mu  sync.Mutex
	acc *chanAcceptor
}

func (b *chanBinder) Listen(string) (transport.Acceptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acc = &chanAcceptor{conns: make(chan transport.Conn), done: make(chan struct{})}
	return b.acc, nil
}

// dialIn hands the service an inbound connection and returns the device end.
func (b *chanBinder) dialIn(t *testing.T) *device {
	t.Helper()
	b.mu.Lock()
	acc := b.acc
	b.mu.Unlock()
	require.NotNil(t, acc)
	client, server := net.Pipe()
	select {
	case acc.conns <- server:
	case <-time.After(waitTimeout):
		t.Fatalf("listener not accepting")
	}
	return newDevice(client)
}

type harness struct {
	svc    *Service
	rec    *recorder
	dialer *pipeDialer
	binder *chanBinder
}

func newHarness(t *testing.T, addresses ...string) *harness {
	t.Helper()
	testlog.Start(t)
	h := &harness{rec: newRecorder(), dialer: newPipeDialer(), binder: &chanBinder{}}
	h.svc = NewService(Config{
		Session:   session.DefaultConfig(),
		Addresses: addresses,
		Dialer:    h.dialer,
		Binder:    h.binder,
		Clock:     func() time.Time { return fixedClock },
	})
	require.True(t, h.svc.AddListener(h.rec))
	t.Cleanup(h.svc.Close)
	return h
}

// start runs Start and consumes the events up to a connected session
// with its handshake.
func (h *harness) start(t *testing.T, address string) *device {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	h.rec.expectState(t, link.Disconnected, link.Listening)
	h.rec.expectState(t, link.Listening, link.Connecting)
	h.rec.expectState(t, link.Connecting, link.Connected)
	d := h.dialer.device(t, address)
	d.expectHandshake(t)
	return d
}

func TestStartConnectsAndHandshakes(t *testing.T) {
	h := newHarness(t, "sync-a")
	h.start(t, "sync-a")

	require.Equal(t, link.Connected, h.svc.State())
	require.Equal(t, "sync-a", h.svc.ConnectedDevice())
	require.Eventually(t, func() bool { return h.svc.Mode() == hid.ModeFile }, waitTimeout, 10*time.Millisecond)
	h.rec.expectQuiet(t)
}

func TestStartWithoutAddressListens(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	h.rec.expectState(t, link.Disconnected, link.Listening)
	h.rec.expectQuiet(t)
	require.Equal(t, link.Listening, h.svc.State())
}

func TestCaptureReportsBecomePaths(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	down := []hid.CaptureReport{
		{X: 10, Y: 10, Pressure: 500, Flags: hid.FlagTip},
		{X: 20, Y: 15, Pressure: 500, Flags: hid.FlagTip},
		{X: 30, Y: 20, Pressure: 500, Flags: hid.FlagTip},
	}
	for _, r := range down {
		d.send(t, r)
		require.Equal(t, CaptureReceived{Report: r}, h.rec.next(t))
	}
	lift := hid.CaptureReport{X: 30, Y: 20}
	d.send(t, lift)
	require.Equal(t, CaptureReceived{Report: lift}, h.rec.next(t))

	ev := h.rec.next(t)
	drawn, ok := ev.(PathsDrawn)
	require.True(t, ok, "expected paths, got %#v", ev)
	require.Len(t, drawn.Paths, 1)
	require.Equal(t, 3, drawn.Paths[0].Len())
	require.Len(t, h.svc.Paths(), 1)

	save := hid.CaptureReport{Flags: hid.FlagSave}
	d.send(t, save)
	require.Equal(t, CaptureReceived{Report: save}, h.rec.next(t))
	require.Equal(t, Saved{}, h.rec.next(t))
	h.rec.expectQuiet(t)
}

func TestEraseFlagEmitsOneErase(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	d.send(t, hid.CaptureReport{X: 1, Y: 1, Pressure: 300, Flags: hid.FlagTip})
	d.send(t, hid.CaptureReport{X: 2, Y: 2, Pressure: 300, Flags: hid.FlagTip})
	d.send(t, hid.CaptureReport{X: 2, Y: 2})
	for i := 0; i < 3; i++ {
		_, ok := h.rec.next(t).(CaptureReceived)
		require.True(t, ok)
	}
	_, ok := h.rec.next(t).(PathsDrawn)
	require.True(t, ok)

	erase := hid.CaptureReport{Flags: hid.FlagErase}
	d.send(t, erase)
	require.Equal(t, CaptureReceived{Report: erase}, h.rec.next(t))
	require.Equal(t, Erased{}, h.rec.next(t))
	h.rec.expectQuiet(t)
	require.Empty(t, h.svc.Paths())
}

func TestEraseFlagOnPathCompletingReport(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	d.send(t, hid.CaptureReport{X: 1, Y: 1, Pressure: 300, Flags: hid.FlagTip})
	d.send(t, hid.CaptureReport{X: 5, Y: 5, Pressure: 300, Flags: hid.FlagTip})
	for i := 0; i < 2; i++ {
		_, ok := h.rec.next(t).(CaptureReceived)
		require.True(t, ok)
	}

	liftAndErase := hid.CaptureReport{X: 5, Y: 5, Flags: hid.FlagErase}
	d.send(t, liftAndErase)
	require.Equal(t, CaptureReceived{Report: liftAndErase}, h.rec.next(t))
	_, ok := h.rec.next(t).(PathsDrawn)
	require.True(t, ok)
	require.Equal(t, Erased{}, h.rec.next(t))
	h.rec.expectQuiet(t)
	require.Empty(t, h.svc.Paths())
}

func TestDisconnectWhenNotConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.svc.Disconnect())
	h.rec.expectQuiet(t)
	require.Equal(t, link.Disconnected, h.svc.State())
}

func TestDisconnectReturnsToListening(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	require.True(t, h.svc.Disconnect())
	h.rec.expectState(t, link.Connected, link.Disconnected)
	h.rec.expectState(t, link.Disconnected, link.Listening)
	select {
	case <-d.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("device connection left open")
	}
	require.Equal(t, hid.ModeSilent, h.svc.Mode())
	require.False(t, h.svc.Disconnect())
}

func TestDuplicateListenerRejected(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.svc.AddListener(h.rec))
	require.True(t, h.svc.RemoveListener(h.rec))
	require.False(t, h.svc.RemoveListener(h.rec))
}

func TestSetSyncModeRejections(t *testing.T) {
	h := newHarness(t, "sync-a")
	require.False(t, h.svc.SetSyncMode(hid.ModeCapture))

	d := h.start(t, "sync-a")
	require.Eventually(t, func() bool { return h.svc.Mode() == hid.ModeFile }, waitTimeout, 10*time.Millisecond)

	require.False(t, h.svc.SetSyncMode(hid.ModeFile))
	require.False(t, h.svc.SetSyncMode(hid.Mode(0)))
	require.False(t, h.svc.SetSyncMode(hid.ModeMax+1))
	d.expectNoFrame(t)

	require.True(t, h.svc.SetSyncMode(hid.ModeCapture))
	require.Equal(t, hid.ModeReport(hid.ModeCapture), d.frame(t))
	require.Equal(t, hid.ModeCapture, h.svc.Mode())
}

func TestEraseSync(t *testing.T) {
	h := newHarness(t, "sync-a")
	require.False(t, h.svc.EraseSync())

	d := h.start(t, "sync-a")
	d.send(t, hid.CaptureReport{X: 1, Y: 1, Pressure: 300, Flags: hid.FlagTip})
	d.send(t, hid.CaptureReport{X: 9, Y: 9, Pressure: 300, Flags: hid.FlagTip})
	d.send(t, hid.CaptureReport{X: 9, Y: 9})
	for i := 0; i < 3; i++ {
		_, ok := h.rec.next(t).(CaptureReceived)
		require.True(t, ok)
	}
	_, ok := h.rec.next(t).(PathsDrawn)
	require.True(t, ok)
	require.Len(t, h.svc.Paths(), 1)

	require.True(t, h.svc.EraseSync())
	require.Empty(t, h.svc.Paths())
	require.Equal(t, hid.EraseReport(), d.frame(t))
	h.rec.expectQuiet(t)
}

func TestConcurrentSetSyncModeSendsOnce(t *testing.T) {
	h := newHarness(t, "sync-a")
	h.dialer.writeDelay = 50 * time.Millisecond
	d := h.start(t, "sync-a")
	require.Eventually(t, func() bool { return h.svc.Mode() == hid.ModeFile }, waitTimeout, 10*time.Millisecond)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.svc.SetSyncMode(hid.ModeCapture)
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, hid.ModeReport(hid.ModeCapture), d.frame(t))
	d.expectNoFrame(t)
	require.Equal(t, hid.ModeCapture, h.svc.Mode())
}

func TestHandshakeSkipsSupersededWorker(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	client, server := net.Pipe()
	stale := newDevice(server)
	w := newWorker(0, client, "stale")
	t.Cleanup(w.close)

	h.svc.handshake(w)
	stale.expectNoFrame(t)
	d.expectNoFrame(t)
	require.Equal(t, hid.ModeFile, h.svc.Mode())
}

func TestHandshakeClockBytes(t *testing.T) {
	h := newHarness(t, "sync-a")
	require.NoError(t, h.svc.Start(context.Background()))
	d := h.dialer.device(t, "sync-a")

	mode := d.frame(t)
	require.Equal(t, frame.HeaderSetFeature, mode.Header)
	require.Equal(t, []byte{byte(hid.ModeFile)}, mode.Payload)

	clock := d.frame(t)
	require.Equal(t, hid.IDDate, clock.ReportID)
	require.Equal(t, []byte{0x2D, 0x79, 0x6E, 0x58}, clock.Payload)

	ident := d.frame(t)
	require.Equal(t, hid.IDDevice, ident.ReportID)
	require.Equal(t, hid.PlatformGeneric, ident.Payload[0])
}

func TestInboundConnectionWhileListening(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	h.rec.expectState(t, link.Disconnected, link.Listening)

	d := h.binder.dialIn(t)
	h.rec.expectState(t, link.Listening, link.Connected)
	d.expectHandshake(t)
	require.Equal(t, "pipe", h.svc.ConnectedDevice())
}

func TestInboundConnectionWhileConnectedIsClosed(t *testing.T) {
	h := newHarness(t, "sync-a")
	first := h.start(t, "sync-a")

	second := h.binder.dialIn(t)
	select {
	case <-second.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("second connection left open")
	}
	h.rec.expectQuiet(t)
	require.Equal(t, link.Connected, h.svc.State())

	require.True(t, h.svc.EraseSync())
	require.Equal(t, hid.EraseReport(), first.frame(t))
}

func TestInboundConnectionSupersedesAttempt(t *testing.T) {
	h := newHarness(t, "sync-a")
	release := h.dialer.gate("sync-a")
	defer release()

	require.NoError(t, h.svc.Start(context.Background()))
	h.rec.expectState(t, link.Disconnected, link.Listening)
	h.rec.expectState(t, link.Listening, link.Connecting)

	d := h.binder.dialIn(t)
	h.rec.expectState(t, link.Connecting, link.Connected)
	d.expectHandshake(t)
	h.rec.expectQuiet(t)
}

func TestSupersededAttemptIsIgnored(t *testing.T) {
	h := newHarness(t)
	release := h.dialer.gate("sync-a")

	require.True(t, h.svc.Connect("sync-a"))
	h.rec.expectState(t, link.Disconnected, link.Connecting)
	require.True(t, h.svc.Connect("sync-b"))
	h.rec.expectState(t, link.Connecting, link.Connected)
	h.dialer.device(t, "sync-b").expectHandshake(t)

	release()
	h.rec.expectQuiet(t)
	require.Equal(t, "sync-b", h.svc.ConnectedDevice())
	require.Equal(t, []string{"sync-b", "sync-a"}, h.svc.Addresses())
}

func TestBrokenConnectionReturnsToListening(t *testing.T) {
	h := newHarness(t, "sync-a")
	d := h.start(t, "sync-a")

	require.NoError(t, d.conn.Close())
	h.rec.expectState(t, link.Connected, link.Disconnected)
	h.rec.expectState(t, link.Disconnected, link.Listening)
	require.Equal(t, "", h.svc.ConnectedDevice())
}

func TestDialFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, "sync-a")
	h.dialer.unreachable("sync-a")

	require.NoError(t, h.svc.Start(context.Background()))
	h.rec.expectState(t, link.Disconnected, link.Listening)
	h.rec.expectState(t, link.Listening, link.Connecting)
	h.rec.expectState(t, link.Connecting, link.Disconnected)
	h.rec.expectState(t, link.Disconnected, link.Listening)
}

func TestStopAndRestart(t *testing.T) {
	h := newHarness(t, "sync-a")
	h.start(t, "sync-a")

	h.svc.Stop()
	h.rec.expectState(t, link.Connected, link.Disconnected)
	require.Equal(t, link.Disconnected, h.svc.State())

	h.start(t, "sync-a")
}

func TestCloseEndsDelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	h.svc.Close()
	select {
	case <-h.svc.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("bus not drained")
	}
	require.False(t, h.svc.Connect("sync-a"))
	require.ErrorIs(t, h.svc.Start(context.Background()), ErrServiceClosed)
}
