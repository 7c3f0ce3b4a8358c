// Package obex implements the subset of OBEX used by the File Transfer
// Profile: connect, setpath, get, delete and disconnect.
package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// Request opcodes (final bit set).
const (
	OpConnect    byte = 0x80
	OpDisconnect byte = 0x81
	OpPut        byte = 0x82
	OpGet        byte = 0x83
	OpSetPath    byte = 0x85
)

// Response codes (final bit set).
const (
	RespContinue     byte = 0x90
	RespSuccess      byte = 0xA0
	RespBadRequest   byte = 0xC0
	RespForbidden    byte = 0xC3
	RespNotFound     byte = 0xC4
	RespInternalFail byte = 0xD0
)

// Header IDs. The top two bits select the value encoding.
const (
	HdrName   byte = 0x01
	HdrType   byte = 0x42
	HdrTarget byte = 0x46
	HdrBody   byte = 0x48
	HdrEOB    byte = 0x49
	HdrWho    byte = 0x4A
	HdrLength byte = 0xC3
	HdrConnID byte = 0xCB
)

const (
	Version    byte = 0x10
	packetHead      = 3

	connectPrefixLen = 4
	setPathPrefixLen = 2

	SetPathBackup   byte = 0x01
	SetPathNoCreate byte = 0x02
)

var (
	ErrMalformedPacket = errors.New("obex: malformed packet")
	ErrPacketTooLarge  = errors.New("obex: packet exceeds negotiated size")
)

// Header is one OBEX header. Unicode names are held as UTF-16BE bytes
// including the terminator.
type Header struct {
	ID    byte
	Value []byte
}

// Packet is a request or response. Prefix holds the opcode-specific fixed
// fields that precede the headers.
type Packet struct {
	Code    byte
	Prefix  []byte
	Headers []Header
}

func (p Packet) Header(id byte) ([]byte, bool) {
	for _, h := range p.Headers {
		if h.ID == id {
			return h.Value, true
		}
	}
	return nil, false
}

func (p Packet) Uint32(id byte) (uint32, bool) {
	v, ok := p.Header(id)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Name decodes the NAME header. An empty NAME header yields "".
func (p Packet) Name() (string, bool) {
	v, ok := p.Header(HdrName)
	if !ok {
		return "", false
	}
	return DecodeUnicode(v), true
}

// Body concatenates BODY and END-OF-BODY values.
func (p Packet) Body() ([]byte, bool) {
	var out []byte
	found := false
	for _, h := range p.Headers {
		if h.ID == HdrBody || h.ID == HdrEOB {
			out = append(out, h.Value...)
			found = true
		}
	}
	return out, found
}

func NameHeader(name string) Header {
	if name == "" {
		return Header{ID: HdrName}
	}
	return Header{ID: HdrName, Value: EncodeUnicode(name)}
}

func TypeHeader(mime string) Header {
	return Header{ID: HdrType, Value: append([]byte(mime), 0)}
}

func Uint32Header(id byte, v uint32) Header {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Header{ID: id, Value: b}
}

func EncodeUnicode(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return append(b, 0, 0)
}

func DecodeUnicode(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i])<<8 | uint16(b[i+1])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// ConnectPrefix is the version/flags/max-packet block of CONNECT.
func ConnectPrefix(maxPacket uint16) []byte {
	b := []byte{Version, 0, 0, 0}
	binary.BigEndian.PutUint16(b[2:4], maxPacket)
	return b
}

func Encode(p Packet) []byte {
	size := packetHead + len(p.Prefix)
	for _, h := range p.Headers {
		size += headerLen(h)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, p.Code, byte(size>>8), byte(size))
	buf = append(buf, p.Prefix...)
	for _, h := range p.Headers {
		buf = appendHeader(buf, h)
	}
	return buf
}

func headerLen(h Header) int {
	switch h.ID & 0xC0 {
	case 0x80:
		return 2
	case 0xC0:
		return 5
	default:
		return 3 + len(h.Value)
	}
}

func appendHeader(buf []byte, h Header) []byte {
	switch h.ID & 0xC0 {
	case 0x80:
		var v byte
		if len(h.Value) > 0 {
			v = h.Value[0]
		}
		return append(buf, h.ID, v)
	case 0xC0:
		var v [4]byte
		copy(v[:], h.Value)
		return append(buf, h.ID, v[0], v[1], v[2], v[3])
	default:
		n := 3 + len(h.Value)
		buf = append(buf, h.ID, byte(n>>8), byte(n))
		return append(buf, h.Value...)
	}
}

// WritePacket encodes p and rejects it if it exceeds maxPacket.
func WritePacket(w io.Writer, p Packet, maxPacket uint16) error {
	b := Encode(p)
	if maxPacket > 0 && len(b) > int(maxPacket) {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(b), maxPacket)
	}
	_, err := w.Write(b)
	return err
}

// ReadResponse reads one response; prefixLen is 4 when answering CONNECT.
func ReadResponse(r io.Reader, prefixLen int) (Packet, error) {
	return readPacket(r, func(byte) int { return prefixLen })
}

// ReadRequest reads one request, sizing the prefix from the opcode.
func ReadRequest(r io.Reader) (Packet, error) {
	return readPacket(r, func(op byte) int {
		switch op {
		case OpConnect:
			return connectPrefixLen
		case OpSetPath:
			return setPathPrefixLen
		default:
			return 0
		}
	})
}

func readPacket(r io.Reader, prefixFor func(byte) int) (Packet, error) {
	var head [packetHead]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Packet{}, err
	}
	total := int(binary.BigEndian.Uint16(head[1:3]))
	prefixLen := prefixFor(head[0])
	if total < packetHead+prefixLen {
		return Packet{}, fmt.Errorf("%w: length %d", ErrMalformedPacket, total)
	}
	rest := make([]byte, total-packetHead)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Packet{}, err
	}
	headers, err := parseHeaders(rest[prefixLen:])
	if err != nil {
		return Packet{}, err
	}
	return Packet{Code: head[0], Prefix: rest[:prefixLen], Headers: headers}, nil
}

func parseHeaders(b []byte) ([]Header, error) {
	var out []Header
	for len(b) > 0 {
		id := b[0]
		var n int
		switch id & 0xC0 {
		case 0x80:
			n = 2
		case 0xC0:
			n = 5
		default:
			if len(b) < 3 {
				return nil, fmt.Errorf("%w: truncated header 0x%02X", ErrMalformedPacket, id)
			}
			n = int(binary.BigEndian.Uint16(b[1:3]))
			if n < 3 {
				return nil, fmt.Errorf("%w: header 0x%02X length %d", ErrMalformedPacket, id, n)
			}
		}
		if len(b) < n {
			return nil, fmt.Errorf("%w: truncated header 0x%02X", ErrMalformedPacket, id)
		}
		start := 1
		if id&0xC0 == 0x00 || id&0xC0 == 0x40 {
			start = 3
		}
		out = append(out, Header{ID: id, Value: append([]byte(nil), b[start:n]...)})
		b = b[n:]
	}
	return out, nil
}
