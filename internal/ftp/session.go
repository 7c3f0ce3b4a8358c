package ftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/obex"
	"github.com/danmuck/syncctl/internal/transport"
	"github.com/dustin/go-humanize"
)

const (
	requestQueueLen   = 16
	disconnectTimeout = 2 * time.Second
)

var errStore = errors.New("ftp: store file")

type opKind int

const (
	opListFolder opKind = iota
	opChangeFolder
	opGetFile
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opListFolder:
		return "list_folder"
	case opChangeFolder:
		return "change_folder"
	case opGetFile:
		return "get_file"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type request struct {
	kind opKind
	name string
}

// outcome is what a request produced before it is turned into an event.
type outcome struct {
	items     []obex.FolderListingItem
	localPath string
	err       error
	// broken marks a transport failure that ends the session.
	broken bool
}

// handshake is a dialed transport with a completed OBEX connect.
type handshake struct {
	conn    transport.Conn
	client  *obex.Client
	connID  uint32
	address string
}

func (h *handshake) Close() error {
	return h.conn.Close()
}

// worker owns one OBEX connection. busy is held while the worker drives
// the client so teardown can tell whether a graceful DISCONNECT is safe
// to send.
type worker struct {
	gen     uint64
	conn    transport.Conn
	client  *obex.Client
	address string
	reqs    chan request
	quit    chan struct{}
	busy    sync.Mutex
	once    sync.Once
}

func newWorker(gen uint64, h *handshake) *worker {
	return &worker{
		gen:     gen,
		conn:    h.conn,
		client:  h.client,
		address: h.address,
		reqs:    make(chan request, requestQueueLen),
		quit:    make(chan struct{}),
	}
}

// stop releases the worker. Callers hold the service mutex.
func (sess *worker) stop() {
	sess.once.Do(func() { close(sess.quit) })
}

// teardown closes the connection, first sending DISCONNECT when graceful
// and the worker is idle.
func (sess *worker) teardown(graceful bool) error {
	var err error
	if graceful && sess.busy.TryLock() {
		timer := time.AfterFunc(disconnectTimeout, func() { _ = sess.conn.Close() })
		err = sess.client.Disconnect()
		timer.Stop()
		sess.busy.Unlock()
	}
	if cerr := sess.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Service) attempt(ctx context.Context, address string) (*handshake, error) {
	conn, err := s.dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client := obex.NewClient(conn, s.cfg.MaxPacketLength)
	id, err := client.Connect()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &handshake{conn: conn, client: client, connID: id, address: address}, nil
}

func (s *Service) runSession(sess *worker) {
	for {
		select {
		case <-sess.quit:
			return
		case req := <-sess.reqs:
			sess.busy.Lock()
			select {
			case <-sess.quit:
				sess.busy.Unlock()
				return
			default:
			}
			start := time.Now()
			out := s.perform(sess, req)
			sess.busy.Unlock()
			if !s.complete(sess, req, out, time.Since(start)) {
				return
			}
		}
	}
}

func (s *Service) perform(sess *worker, req request) outcome {
	switch req.kind {
	case opListFolder:
		return s.listFolder(sess, req.name)
	case opChangeFolder:
		return transportOutcome(sess.client.SetPath(remoteName(req.name)))
	case opGetFile:
		return s.getFile(sess, req.name)
	case opDelete:
		return transportOutcome(sess.client.Delete(req.name))
	default:
		return outcome{err: fmt.Errorf("ftp: unknown request %d", req.kind)}
	}
}

func (s *Service) listFolder(sess *worker, name string) outcome {
	if err := sess.client.SetPath(remoteName(name)); err != nil {
		s.logger.Error().Err(err).Str("folder", name).Msg("unable to change to folder")
		return transportOutcome(err)
	}
	var body bytes.Buffer
	if _, err := sess.client.Get(obex.FolderListingType, "", &body); err != nil {
		s.logger.Error().Err(err).Str("folder", name).Msg("unable to fetch folder listing")
		return transportOutcome(err)
	}
	if s.cfg.Debug {
		s.logger.Debug().Str("folder", name).Str("listing", body.String()).Msg("folder listing body")
	}
	items, err := obex.ParseFolderListing(body.Bytes())
	if err != nil {
		s.logger.Error().Err(err).Str("folder", name).Msg("unable to parse folder listing")
		return outcome{err: err}
	}
	return outcome{items: items}
}

type storeWriter struct {
	f *os.File
}

func (w storeWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", errStore, err)
	}
	return n, nil
}

func (s *Service) getFile(sess *worker, name string) outcome {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == ".." {
		return outcome{err: fmt.Errorf("%w: bad name %q", errStore, name)}
	}
	if err := os.MkdirAll(s.cfg.StoreDir, 0o755); err != nil {
		return outcome{err: fmt.Errorf("%w: %v", errStore, err)}
	}
	localPath := filepath.Join(s.cfg.StoreDir, base)
	f, err := os.Create(localPath)
	if err != nil {
		return outcome{err: fmt.Errorf("%w: %v", errStore, err)}
	}
	n, err := sess.client.Get("", name, storeWriter{f: f})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %v", errStore, cerr)
	}
	if err != nil {
		_ = os.Remove(localPath)
		s.logger.Error().Err(err).Str("file", name).Msg("get file failed")
		return transportOutcome(err)
	}
	s.logger.Info().Str("file", name).Str("size", humanize.Bytes(uint64(n))).Str("path", localPath).Msg("file stored")
	return outcome{localPath: localPath}
}

func transportOutcome(err error) outcome {
	if err == nil {
		return outcome{}
	}
	broken := !errors.Is(err, obex.ErrNotSuccess) && !errors.Is(err, errStore)
	return outcome{err: err, broken: broken}
}

// complete turns an outcome into its event. It returns false when the
// worker must exit, either because it was superseded or the link broke.
func (s *Service) complete(sess *worker, req request, out outcome, took time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gen.Is(sess.gen) || s.current != sess {
		s.logger.Debug().Uint64("gen", sess.gen).Str("op", req.kind.String()).Msg("drop stale completion")
		return false
	}

	result := link.ResultOf(out.err)
	observability.RecordFTPOp(req.kind.String(), result.String(), took)

	switch req.kind {
	case opListFolder:
		folder := ""
		if result == link.ResultOK {
			s.dirURI = resolveFolder(s.dirURI, req.name)
			folder = s.dirURI
		}
		s.publishLocked(FolderListingComplete{Result: result, Folder: folder, Items: out.items})
	case opChangeFolder:
		folder := ""
		if result == link.ResultOK {
			s.dirURI = resolveFolder(s.dirURI, req.name)
			folder = s.dirURI
		}
		s.publishLocked(ChangeFolderComplete{Result: result, Folder: folder})
	case opGetFile:
		s.publishLocked(GetFileComplete{Result: result, LocalPath: out.localPath})
	case opDelete:
		name := ""
		if result == link.ResultOK {
			name = req.name
		}
		s.publishLocked(DeleteComplete{Result: result, Name: name})
	}

	if out.broken {
		s.logger.Warn().Err(out.err).Str("address", sess.address).Msg("connection broken")
		s.detachLocked()
		_ = sess.teardown(false)
		s.setStateLocked(link.Disconnected)
		return false
	}
	return true
}

// remoteName maps a folder argument onto a SETPATH name.
func remoteName(name string) string {
	if name == "/" {
		return ""
	}
	return name
}

// resolveFolder applies a SETPATH argument to the tracked folder.
func resolveFolder(cur, name string) string {
	if cur == "" {
		cur = "/"
	}
	switch {
	case name == "" || name == "/":
		return "/"
	case name == "..":
		return path.Dir(cur)
	case strings.HasPrefix(name, "/"):
		return path.Clean(name)
	default:
		return path.Join(cur, name)
	}
}
