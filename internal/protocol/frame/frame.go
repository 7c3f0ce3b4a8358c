// Package frame encodes the length-prefixed HID transaction frames carried
// over the streaming channel.
//
// Wire layout: big-endian uint16 length of everything after it, one
// transaction header byte, one report ID byte, then the report payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	LengthPrefixLen = 2
	// MinBodyLen covers the transaction header and report ID.
	MinBodyLen = 2

	HeaderSetFeature byte = 0x53
	HeaderDataInput  byte = 0xA1
)

var (
	ErrShortFrame       = errors.New("frame: short frame")
	ErrLengthTooSmall   = errors.New("frame: length smaller than header")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrIncompleteFrame  = errors.New("frame: incomplete frame")
	ErrUnexpectedHeader = errors.New("frame: unexpected transaction header")
)

// Frame is one HID transaction.
type Frame struct {
	Header   byte
	ReportID byte
	Payload  []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 512}
}

// Feature builds an outbound SET_REPORT feature frame.
func Feature(reportID byte, payload []byte) Frame {
	return Frame{Header: HeaderSetFeature, ReportID: reportID, Payload: payload}
}

func Encode(f Frame, limits Limits) ([]byte, error) {
	if len(f.Payload) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	body := MinBodyLen + len(f.Payload)
	buf := make([]byte, LengthPrefixLen+body)
	binary.BigEndian.PutUint16(buf[0:2], uint16(body))
	buf[2] = f.Header
	buf[3] = f.ReportID
	copy(buf[4:], f.Payload)
	return buf, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	body, err := bodyLen(prefix[:], limits)
	if err != nil {
		return Frame{}, err
	}
	buf := make([]byte, body)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return Frame{Header: buf[0], ReportID: buf[1], Payload: buf[2:]}, nil
}

// Parse decodes the first frame in b and returns the bytes it consumed.
// ErrIncompleteFrame means b holds a valid prefix of a frame. On
// ErrLengthTooSmall the returned count is the extent of the bad record.
func Parse(b []byte, limits Limits) (Frame, int, error) {
	if len(b) < LengthPrefixLen {
		return Frame{}, 0, ErrIncompleteFrame
	}
	body, err := bodyLen(b[:LengthPrefixLen], limits)
	if errors.Is(err, ErrLengthTooSmall) {
		total := LengthPrefixLen + int(binary.BigEndian.Uint16(b))
		if len(b) < total {
			return Frame{}, 0, ErrIncompleteFrame
		}
		return Frame{}, total, err
	}
	if err != nil {
		return Frame{}, 0, err
	}
	total := LengthPrefixLen + body
	if len(b) < total {
		return Frame{}, 0, ErrIncompleteFrame
	}
	payload := make([]byte, body-MinBodyLen)
	copy(payload, b[4:total])
	return Frame{Header: b[2], ReportID: b[3], Payload: payload}, total, nil
}

func bodyLen(prefix []byte, limits Limits) (int, error) {
	body := int(binary.BigEndian.Uint16(prefix))
	if body < MinBodyLen {
		return 0, fmt.Errorf("%w: %d", ErrLengthTooSmall, body)
	}
	if body-MinBodyLen > limits.MaxPayloadBytes {
		return 0, ErrPayloadTooLarge
	}
	return body, nil
}
