package stream

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/syncctl/internal/discovery"
	"github.com/danmuck/syncctl/internal/event"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/frame"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/stroke"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/rs/zerolog"
)

const serviceName = "stream"

var ErrServiceClosed = errors.New("stream: service closed")

// Config wires a Service. Dialer and Binder default to a transport.Endpoint
// built from Session, Filter to a stroke.PenFilter and Clock to time.Now.
type Config struct {
	Session   session.Config
	Addresses []string
	Dialer    transport.Dialer
	Binder    transport.Binder
	Finder    discovery.Finder
	Filter    stroke.Filter
	Clock     func() time.Time
}

// Service is the streaming lifecycle manager. State, worker references,
// the tracked mode and the accumulated paths are guarded by mu.
type Service struct {
	cfg    session.Config
	dialer transport.Dialer
	binder transport.Binder
	finder discovery.Finder
	filter stroke.Filter
	now    func() time.Time
	limits frame.Limits
	bus    *event.Bus[Listener]
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	rng    *rand.Rand

	// cmdMu serializes device commands so a mode check and its write
	// cannot interleave with another command.
	cmdMu sync.Mutex

	mu           sync.Mutex
	machine      link.Machine
	gen          link.Generation
	addresses    []string
	initiator    *link.Initiator
	current      *worker
	acceptor     transport.Acceptor
	listenerDone chan struct{}
	mode         hid.Mode
	paths        []stroke.Path
	closed       bool
}

func NewService(cfg Config) *Service {
	sc := cfg.Session.WithDefaults()
	endpoint := transport.NewEndpoint(sc)
	s := &Service{
		cfg:       sc,
		dialer:    cfg.Dialer,
		binder:    cfg.Binder,
		finder:    cfg.Finder,
		filter:    cfg.Filter,
		now:       cfg.Clock,
		limits:    frame.DefaultLimits(),
		bus:       event.NewBus[Listener](serviceName),
		logger:    logging.For(serviceName),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		addresses: cleanAddresses(cfg.Addresses),
		mode:      hid.ModeSilent,
	}
	if s.dialer == nil {
		s.dialer = endpoint
	}
	if s.binder == nil {
		s.binder = endpoint
	}
	if s.filter == nil {
		s.filter = stroke.NewPenFilter()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AddListener returns false if l is already registered.
func (s *Service) AddListener(l Listener) bool {
	return s.bus.Add(l)
}

// RemoveListener returns false if l was not registered.
func (s *Service) RemoveListener(l Listener) bool {
	return s.bus.Remove(l)
}

func (s *Service) State() link.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Mode is the last mode accepted by SetSyncMode.
func (s *Service) Mode() hid.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Paths returns a copy of the paths accumulated since the last erase or
// disconnect.
func (s *Service) Paths() []stroke.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stroke.Path, len(s.paths))
	for i, p := range s.paths {
		out[i] = p.Clone()
	}
	return out
}

func (s *Service) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addresses...)
}

// ConnectedDevice is the peer of the live session, or "".
func (s *Service) ConnectedDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != link.Connected || s.current == nil {
		return ""
	}
	return s.current.address
}

// Start opens the listener, moves to Listening and dials the first known
// address unless a connection is already up or pending. Peers are
// discovered first when no address is configured.
func (s *Service) Start(ctx context.Context) error {
	if len(s.Addresses()) == 0 && s.finder != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
		found, err := discovery.Resolve(lookupCtx, s.finder, discovery.ServiceStreaming)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("no sync found; waiting for inbound connection")
		} else {
			s.mu.Lock()
			s.addresses = found
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.acceptor == nil {
		acc, err := s.binder.Listen(s.cfg.ListenAddr)
		if err != nil {
			return err
		}
		s.acceptor = acc
		s.listenerDone = make(chan struct{})
		s.logger.Info().Str("addr", acc.Addr()).Msg("listener started, waiting for sync to connect")
		go s.acceptLoop(acc, s.listenerDone)
	}
	if s.machine.State() == link.Disconnected {
		s.setStateLocked(link.Listening)
	}
	state := s.machine.State()
	if state != link.Connected && state != link.Connecting && len(s.addresses) > 0 {
		s.connectLocked(s.addresses[0])
	}
	return nil
}

// Connect supersedes any attempt or session in flight and dials address.
func (s *Service) Connect(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.connectLocked(address)
	return true
}

func (s *Service) connectLocked(address string) {
	s.logger.Info().Str("address", address).Msg("connect")
	s.cancelInitiatorLocked()
	if sess := s.detachLocked(); sess != nil {
		sess.close()
	}
	gen := s.gen.Bump()
	s.addresses = promote(s.addresses, address)
	s.initiator = link.StartInitiator(s.ctx, address, gen, link.DialAttempt(s.dialer), s.onAttempt)
	s.setStateLocked(link.Connecting)
}

// Disconnect closes the live session. The service returns to Listening
// when its listener is running. It returns false if not connected.
func (s *Service) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != link.Connected {
		return false
	}
	if sess := s.detachLocked(); sess != nil {
		sess.close()
	}
	s.setStateLocked(link.Disconnected)
	if s.acceptor != nil {
		s.setStateLocked(link.Listening)
	}
	return true
}

// Stop cancels every worker, including the listener, and moves to
// Disconnected. Start may be called again afterwards.
func (s *Service) Stop() {
	s.mu.Lock()
	s.cancelInitiatorLocked()
	if sess := s.detachLocked(); sess != nil {
		sess.close()
	}
	s.gen.Bump()
	acc, done := s.acceptor, s.listenerDone
	s.acceptor, s.listenerDone = nil, nil
	if acc != nil {
		if err := acc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close listener")
		}
	}
	s.setStateLocked(link.Disconnected)
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close stops the service for good and ends event delivery once queued
// events have been dispatched.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	s.cancel()
	s.bus.Close()
}

// Done is closed once the last event has been delivered after Close.
func (s *Service) Done() <-chan struct{} {
	return s.bus.Done()
}

func (s *Service) onAttempt(gen uint64, conn transport.Conn, err error) {
	s.mu.Lock()
	if !s.gen.Is(gen) || s.initiator == nil || s.initiator.Gen != gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	address := s.initiator.Address
	s.initiator = nil
	if err != nil {
		s.logger.Warn().Err(err).Str("address", address).Msg("connection failed")
		s.brokenLocked()
		s.mu.Unlock()
		return
	}
	w := s.connectedLocked(conn, address)
	s.mu.Unlock()

	s.handshake(w)
}

// onAccepted takes an inbound connection from acc. A live session keeps
// priority; a pending outbound attempt is superseded.
func (s *Service) onAccepted(acc transport.Acceptor, conn transport.Conn, remote string) {
	s.mu.Lock()
	if s.closed || s.acceptor != acc {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	switch s.machine.State() {
	case link.Connected:
		s.mu.Unlock()
		s.logger.Info().Str("remote", remote).Msg("already connected, closing inbound connection")
		_ = conn.Close()
		return
	case link.Connecting:
		s.cancelInitiatorLocked()
	}
	w := s.connectedLocked(conn, remote)
	s.mu.Unlock()

	s.handshake(w)
}

func (s *Service) connectedLocked(conn transport.Conn, address string) *worker {
	s.cancelInitiatorLocked()
	if prev := s.detachLocked(); prev != nil {
		prev.close()
	}
	gen := s.gen.Bump()
	sess := newWorker(gen, conn, address)
	s.current = sess
	s.mode = hid.ModeSilent
	s.filter.Reset()
	s.setStateLocked(link.Connected)
	go s.runSession(sess)
	return sess
}

// brokenLocked reports a lost or failed connection.
func (s *Service) brokenLocked() {
	s.setStateLocked(link.Disconnected)
	if s.acceptor != nil {
		s.setStateLocked(link.Listening)
	}
}

func (s *Service) detachLocked() *worker {
	sess := s.current
	if sess == nil {
		return nil
	}
	s.gen.Bump()
	s.current = nil
	return sess
}

func (s *Service) cancelInitiatorLocked() {
	if s.initiator == nil {
		return
	}
	s.initiator.Cancel()
	s.initiator = nil
}

func (s *Service) setStateLocked(next link.State) {
	prev, changed := s.machine.Set(next)
	if !changed {
		return
	}
	switch next {
	case link.Disconnected:
		s.mode = hid.ModeSilent
		s.paths = nil
		if prev == link.Connected {
			s.logger.Info().Msg("disconnected")
		}
	case link.Connected:
		s.logger.Info().Msg("connected")
	}
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state changed")
	observability.RecordStateTransition(serviceName, prev.String(), next.String())
	s.bus.Publish(StateChange{Prev: prev, Next: next})
}

func cleanAddresses(in []string) []string {
	var out []string
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func promote(list []string, address string) []string {
	out := []string{address}
	for _, a := range list {
		if a != address {
			out = append(out, a)
		}
	}
	return out
}
