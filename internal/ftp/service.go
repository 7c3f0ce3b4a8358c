package ftp

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/syncctl/internal/discovery"
	"github.com/danmuck/syncctl/internal/event"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/obex"
	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/rs/zerolog"
)

const serviceName = "ftp"

var ErrServiceClosed = errors.New("ftp: service closed")

// Config wires a Service. Dialer defaults to a transport.Endpoint built
// from Session; Finder is consulted by ConnectDefault when Addresses is empty.
type Config struct {
	Session   session.Config
	Addresses []string
	Dialer    transport.Dialer
	Finder    discovery.Finder
}

// Service is the file-transfer lifecycle manager. All state and worker
// references are guarded by mu; events are queued on bus while mu is held.
type Service struct {
	cfg    session.Config
	dialer transport.Dialer
	finder discovery.Finder
	bus    *event.Bus[Listener]
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	machine   link.Machine
	gen       link.Generation
	addresses []string
	initiator *link.Initiator
	current   *worker
	dirURI    string
	closed    bool
}

func NewService(cfg Config) *Service {
	sc := cfg.Session.WithDefaults()
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.NewEndpoint(sc)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       sc,
		dialer:    dialer,
		finder:    cfg.Finder,
		bus:       event.NewBus[Listener](serviceName),
		logger:    logging.For(serviceName),
		ctx:       ctx,
		cancel:    cancel,
		addresses: cleanAddresses(cfg.Addresses),
	}
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

// ConnectedDevice is the address of the connected peer, or "".
func (s *Service) ConnectedDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != link.Connected || len(s.addresses) == 0 {
		return ""
	}
	return s.addresses[0]
}

func (s *Service) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addresses...)
}

// DirectoryURI is the tracked remote folder, or "" when not connected.
func (s *Service) DirectoryURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirURI
}

// Connect supersedes any attempt or session in flight and starts a new
// attempt against address.
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
	s.logger.Info().Str("address", address).Msg("connect")

	s.cancelInitiatorLocked()
	if sess := s.detachLocked(); sess != nil {
		s.publishLocked(DisconnectComplete{Result: link.ResultOf(sess.teardown(false))})
	}
	gen := s.gen.Bump()
	s.addresses = promote(s.addresses, address)
	s.initiator = link.StartInitiator(s.ctx, address, gen, s.attempt, s.onAttempt)
	s.setStateLocked(link.Connecting)
	return true
}

// ConnectDefault connects to the first known address, discovering peers
// first when none is configured.
func (s *Service) ConnectDefault(ctx context.Context) error {
	addrs := s.Addresses()
	if len(addrs) == 0 {
		if s.finder == nil {
			return discovery.ErrNoPeers
		}
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
		defer cancel()
		found, err := discovery.Resolve(lookupCtx, s.finder, discovery.ServiceFileTransfer)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.addresses = found
		s.mu.Unlock()
		addrs = found
	}
	if s.State() == link.Connected {
		return nil
	}
	if !s.Connect(addrs[0]) {
		return ErrServiceClosed
	}
	return nil
}

// Disconnect ends the session and reports the teardown through
// OnDisconnectComplete. A pending attempt is cancelled without a
// completion. It returns false when there was nothing to disconnect.
func (s *Service) Disconnect() bool {
	s.mu.Lock()
	switch s.machine.State() {
	case link.Connecting:
		s.cancelInitiatorLocked()
		s.gen.Bump()
		s.setStateLocked(link.Disconnected)
		s.mu.Unlock()
		return true
	case link.Connected:
	default:
		s.mu.Unlock()
		return false
	}
	sess := s.detachLocked()
	s.setStateLocked(link.Disconnected)
	s.mu.Unlock()

	if sess == nil {
		return true
	}
	err := sess.teardown(true)
	if err != nil {
		s.logger.Warn().Err(err).Str("address", sess.address).Msg("disconnect teardown")
	}
	s.bus.Publish(DisconnectComplete{Result: link.ResultOf(err)})
	return true
}

func (s *Service) ListFolder(name string) bool {
	return s.submit(request{kind: opListFolder, name: name})
}

// ChangeFolder moves the remote folder: "" is the root, ".." the parent.
func (s *Service) ChangeFolder(name string) bool {
	return s.submit(request{kind: opChangeFolder, name: name})
}

// GetFile stores name from the current remote folder under the store directory.
func (s *Service) GetFile(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	return s.submit(request{kind: opGetFile, name: name})
}

func (s *Service) DeleteFile(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	return s.submit(request{kind: opDelete, name: name})
}

// Close cancels all workers and stops event delivery once queued events
// have been dispatched.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelInitiatorLocked()
	sess := s.detachLocked()
	s.gen.Bump()
	s.setStateLocked(link.Disconnected)
	s.mu.Unlock()

	if sess != nil {
		s.bus.Publish(DisconnectComplete{Result: link.ResultOf(sess.teardown(true))})
	}
	s.cancel()
	s.bus.Close()
}

// Done is closed once the last event has been delivered after Close.
func (s *Service) Done() <-chan struct{} {
	return s.bus.Done()
}

func (s *Service) submit(req request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.State() != link.Connected || s.current == nil {
		return false
	}
	select {
	case s.current.reqs <- req:
		return true
	default:
		s.logger.Warn().Str("op", req.kind.String()).Msg("request queue full")
		return false
	}
}

// onAttempt receives the initiator's result.
func (s *Service) onAttempt(gen uint64, h *handshake, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gen.Is(gen) || s.initiator == nil || s.initiator.Gen != gen {
		if h != nil {
			_ = h.Close()
		}
		return
	}
	s.initiator = nil

	if err != nil {
		var respErr *obex.ResponseError
		if errors.As(err, &respErr) {
			s.logger.Error().Err(err).Msg("error connecting to ftp server")
			s.publishLocked(ConnectComplete{Result: link.ResultFail})
		} else {
			s.logger.Warn().Err(err).Msg("connection failed")
		}
		s.setStateLocked(link.Disconnected)
		return
	}
	s.connectedLocked(h)
}

func (s *Service) connectedLocked(h *handshake) {
	if prev := s.detachLocked(); prev != nil {
		s.publishLocked(DisconnectComplete{Result: link.ResultOf(prev.teardown(false))})
	}
	sess := newWorker(s.gen.Current(), h)
	s.current = sess
	s.dirURI = "/"
	s.logger.Info().Str("address", h.address).Uint32("conn_id", h.connID).Msg("connected to ftp server")
	s.publishLocked(ConnectComplete{Result: link.ResultOK, ConnID: h.connID})
	s.setStateLocked(link.Connected)
	go s.runSession(sess)
}

// detachLocked invalidates the current session and returns it for teardown.
func (s *Service) detachLocked() *worker {
	sess := s.current
	if sess == nil {
		return nil
	}
	s.gen.Bump()
	s.current = nil
	sess.stop()
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
	if next == link.Disconnected {
		s.dirURI = ""
	}
	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state changed")
	observability.RecordStateTransition(serviceName, prev.String(), next.String())
	s.publishLocked(StateChange{Prev: prev, Next: next})
}

func (s *Service) publishLocked(ev Event) {
	s.bus.Publish(ev)
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

// promote moves address to the front of the list.
func promote(list []string, address string) []string {
	out := []string{address}
	for _, a := range list {
		if a != address {
			out = append(out, a)
		}
	}
	return out
}
