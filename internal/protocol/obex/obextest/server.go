// Package obextest serves an in-memory folder tree over the OBEX subset the
// client speaks.
package obextest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/syncctl/internal/protocol/obex"
)

// Entry is one folder or file. A folder has Folder set and no Data.
type Entry struct {
	Name     string
	Folder   bool
	Modified string
	Created  string
	Data     []byte
}

// Server answers requests against Tree, keyed by absolute folder path.
type Server struct {
	mu   sync.Mutex
	Tree map[string][]Entry

	// RejectConnect answers CONNECT with Forbidden.
	RejectConnect bool
	// ChunkSize splits GET bodies across CONTINUE responses when > 0.
	ChunkSize int
	// ConnID is returned in the CONNECT response.
	ConnID uint32

	cwd       string
	requests  []byte
	getCursor []byte
}

func NewServer(tree map[string][]Entry) *Server {
	if tree == nil {
		tree = map[string][]Entry{"/": nil}
	}
	return &Server{Tree: tree, ConnID: 1, cwd: "/"}
}

// Opcodes lists every request opcode received so far.
func (s *Server) Opcodes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.requests...)
}

func (s *Server) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Serve answers requests until rw fails or a DISCONNECT is handled.
func (s *Server) Serve(rw io.ReadWriter) error {
	for {
		req, err := obex.ReadRequest(rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp := s.handle(req)
		if _, err := rw.Write(obex.Encode(resp)); err != nil {
			return err
		}
		if req.Code == obex.OpDisconnect {
			return nil
		}
	}
}

func (s *Server) handle(req obex.Packet) obex.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req.Code)

	switch req.Code {
	case obex.OpConnect:
		if s.RejectConnect {
			return obex.Packet{Code: obex.RespForbidden, Prefix: obex.ConnectPrefix(0xFFFF)}
		}
		return obex.Packet{
			Code:   obex.RespSuccess,
			Prefix: obex.ConnectPrefix(0xFFFF),
			Headers: []obex.Header{
				obex.Uint32Header(obex.HdrConnID, s.ConnID),
				{ID: obex.HdrWho, Value: obex.FolderBrowsingUUID},
			},
		}
	case obex.OpSetPath:
		return obex.Packet{Code: s.setPath(req)}
	case obex.OpGet:
		return s.get(req)
	case obex.OpPut:
		return obex.Packet{Code: s.delete(req)}
	case obex.OpDisconnect:
		return obex.Packet{Code: obex.RespSuccess}
	default:
		return obex.Packet{Code: obex.RespBadRequest}
	}
}

func (s *Server) setPath(req obex.Packet) byte {
	if len(req.Prefix) > 0 && req.Prefix[0]&obex.SetPathBackup != 0 {
		if s.cwd != "/" {
			s.cwd = path.Dir(s.cwd)
		}
		return obex.RespSuccess
	}
	name, _ := req.Name()
	if name == "" {
		s.cwd = "/"
		return obex.RespSuccess
	}
	next := path.Join(s.cwd, name)
	if _, ok := s.Tree[next]; !ok {
		return obex.RespNotFound
	}
	s.cwd = next
	return obex.RespSuccess
}

func (s *Server) get(req obex.Packet) obex.Packet {
	if s.getCursor == nil {
		body, code := s.resolveGet(req)
		if code != obex.RespSuccess {
			return obex.Packet{Code: code}
		}
		s.getCursor = body
	}
	chunk := s.getCursor
	if s.ChunkSize > 0 && len(chunk) > s.ChunkSize {
		s.getCursor = chunk[s.ChunkSize:]
		return obex.Packet{Code: obex.RespContinue, Headers: []obex.Header{{ID: obex.HdrBody, Value: chunk[:s.ChunkSize]}}}
	}
	s.getCursor = nil
	return obex.Packet{Code: obex.RespSuccess, Headers: []obex.Header{{ID: obex.HdrEOB, Value: chunk}}}
}

func (s *Server) resolveGet(req obex.Packet) ([]byte, byte) {
	if typ, ok := req.Header(obex.HdrType); ok && strings.TrimRight(string(typ), "\x00") == obex.FolderListingType {
		return s.listing(), obex.RespSuccess
	}
	name, _ := req.Name()
	for _, e := range s.Tree[s.cwd] {
		if e.Name == name && !e.Folder {
			return append([]byte{}, e.Data...), obex.RespSuccess
		}
	}
	return nil, obex.RespNotFound
}

func (s *Server) delete(req obex.Packet) byte {
	if _, ok := req.Body(); ok {
		return obex.RespBadRequest
	}
	name, _ := req.Name()
	entries := s.Tree[s.cwd]
	for i, e := range entries {
		if e.Name == name {
			s.Tree[s.cwd] = append(entries[:i:i], entries[i+1:]...)
			return obex.RespSuccess
		}
	}
	return obex.RespNotFound
}

func (s *Server) listing() []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<!DOCTYPE folder-listing SYSTEM "obex-folder-listing.dtd">` + "\n")
	b.WriteString(`<folder-listing version="1.0">` + "\n")
	if s.cwd != "/" {
		b.WriteString("<parent-folder/>\n")
	}
	entries := append([]Entry(nil), s.Tree[s.cwd]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		kind := "file"
		if e.Folder {
			kind = "folder"
		}
		fmt.Fprintf(&b, `<%s name=%q`, kind, e.Name)
		if !e.Folder {
			fmt.Fprintf(&b, ` size="%d"`, len(e.Data))
		}
		if e.Modified != "" {
			fmt.Fprintf(&b, ` modified=%q`, e.Modified)
		}
		if e.Created != "" {
			fmt.Fprintf(&b, ` created=%q`, e.Created)
		}
		b.WriteString("/>\n")
	}
	b.WriteString("</folder-listing>\n")
	return b.Bytes()
}
