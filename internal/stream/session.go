package stream

import (
	"sync"

	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/transport"
)

// worker owns one connected stream. Writes from command callers are
// serialized by writeMu; runSession is the only reader.
type worker struct {
	gen     uint64
	conn    transport.Conn
	address string
	writeMu sync.Mutex
	once    sync.Once
}

func newWorker(gen uint64, conn transport.Conn, address string) *worker {
	return &worker{gen: gen, conn: conn, address: address}
}

func (sess *worker) close() {
	sess.once.Do(func() { _ = sess.conn.Close() })
}

func (sess *worker) write(b []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, err := sess.conn.Write(b)
	return err
}

func (s *Service) runSession(sess *worker) {
	dec := hid.NewDecoder(s.limits)
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			if s.cfg.Debug {
				s.logger.Debug().Hex("chunk", buf[:n]).Msg("read")
			}
			if !s.dispatch(sess, dec.Decode(buf[:n])) {
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			if s.gen.Is(sess.gen) && s.current == sess {
				s.logger.Warn().Err(err).Str("address", sess.address).Msg("connection lost")
				s.detachLocked()
				s.brokenLocked()
			}
			s.mu.Unlock()
			sess.close()
			return
		}
	}
}

// dispatch turns decoded reports into events. It returns false once the
// session has been superseded.
func (s *Service) dispatch(sess *worker, reports []hid.Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gen.Is(sess.gen) || s.current != sess {
		return false
	}
	for _, r := range reports {
		observability.RecordStreamReport(r.ReportID())
		capture, ok := r.(hid.CaptureReport)
		if !ok {
			s.logger.Debug().Uint8("report_id", r.ReportID()).Msg("ignore report")
			continue
		}
		s.bus.Publish(CaptureReceived{Report: capture})
		if drawn := s.filter.Filter(capture); len(drawn) > 0 {
			s.paths = append(s.paths, drawn...)
			s.bus.Publish(PathsDrawn{Paths: drawn})
		}
		if capture.Erase() {
			s.paths = nil
			s.bus.Publish(Erased{})
		}
		if capture.Save() {
			s.bus.Publish(Saved{})
		}
	}
	return true
}
