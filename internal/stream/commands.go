package stream

import (
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/frame"
	"github.com/danmuck/syncctl/internal/protocol/hid"
)

// SetSyncMode asks the device to switch modes. It returns false without
// sending when the mode is unchanged or out of range, or when no device
// is connected.
func (s *Service) SetSyncMode(m hid.Mode) bool {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.setMode(nil, m)
}

// EraseSync clears the accumulated paths and asks the device to clear its
// screen. It returns false when no device is connected.
func (s *Service) EraseSync() bool {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	w := s.liveLocked(nil)
	if w == nil {
		s.mu.Unlock()
		return false
	}
	s.paths = nil
	s.mu.Unlock()
	return s.write(w, "erase", hid.EraseReport())
}

// handshake runs once per new session: file mode, clock, identification.
// Nothing is sent once w has been superseded.
func (s *Service) handshake(w *worker) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.setMode(w, hid.ModeFile)
	s.write(w, "set_clock", hid.ClockReport(s.now()))
	s.write(w, "identify", hid.DeviceReport())
}

// setMode runs under cmdMu. A nil target means the live worker.
func (s *Service) setMode(target *worker, m hid.Mode) bool {
	s.mu.Lock()
	w := s.liveLocked(target)
	current := s.mode
	s.mu.Unlock()
	if w == nil || m == current || !m.Valid() {
		return false
	}
	if !s.write(w, "set_mode", hid.ModeReport(m)) {
		return false
	}
	s.mu.Lock()
	if s.current == w {
		s.mode = m
	}
	s.mu.Unlock()
	s.logger.Info().Str("mode", m.String()).Msg("sync mode set")
	return true
}

// liveLocked returns the connected worker, or nil when target is set and
// is no longer current.
func (s *Service) liveLocked(target *worker) *worker {
	if s.machine.State() != link.Connected || s.current == nil {
		return nil
	}
	if target != nil && target != s.current {
		return nil
	}
	return s.current
}

// write sends one frame on w if it is still the live worker. A worker
// superseded after the check only ever sees its own closed conn.
func (s *Service) write(w *worker, command string, f frame.Frame) bool {
	s.mu.Lock()
	live := s.liveLocked(w) != nil
	s.mu.Unlock()
	if !live {
		return false
	}

	b, err := frame.Encode(f, s.limits)
	if err != nil {
		s.logger.Error().Err(err).Str("command", command).Msg("encode command")
		observability.RecordStreamCommand(command, false)
		return false
	}
	if s.cfg.Debug {
		s.logger.Debug().Str("command", command).Hex("frame", b).Msg("write")
	}
	err = w.write(b)
	observability.RecordStreamCommand(command, err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("command", command).Msg("write failed")
		return false
	}
	return true
}
