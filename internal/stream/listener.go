package stream

import (
	"errors"
	"net"

	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/transport"
)

// remoteAddr is implemented by net.Conn based transports.
type remoteAddr interface {
	RemoteAddr() net.Addr
}

func (s *Service) acceptLoop(acc transport.Acceptor, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		conn, err := acc.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil || !s.listening(acc) {
				return
			}
			attempt++
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("accept failed")
			if err := session.WaitBackoff(s.ctx, s.cfg.AcceptBackoff, attempt, s.rng); err != nil {
				return
			}
			continue
		}
		attempt = 0
		remote := "inbound"
		if ra, ok := conn.(remoteAddr); ok && ra.RemoteAddr() != nil {
			remote = ra.RemoteAddr().String()
		}
		s.logger.Info().Str("remote", remote).Msg("accepted connection")
		s.onAccepted(acc, conn, remote)
	}
}

func (s *Service) listening(acc transport.Acceptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptor == acc
}
