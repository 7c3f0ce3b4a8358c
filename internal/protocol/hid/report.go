// Package hid encodes device-control reports and decodes the inbound
// report stream of the streaming channel.
package hid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/syncctl/internal/protocol/frame"
)

// Report IDs.
const (
	IDCapture          byte = 0x01
	IDMode             byte = 0x05
	IDDate             byte = 0x06
	IDDevice           byte = 0x07
	IDOperationRequest byte = 0x08
)

// Mode selects what the device streams.
type Mode byte

const (
	ModeSilent  Mode = 1
	ModeCapture Mode = 4
	ModeFile    Mode = 5

	ModeMin = ModeSilent
	ModeMax = ModeFile
)

func (m Mode) Valid() bool {
	return m >= ModeMin && m <= ModeMax
}

func (m Mode) String() string {
	switch m {
	case ModeSilent:
		return "silent"
	case ModeCapture:
		return "capture"
	case ModeFile:
		return "file"
	default:
		return fmt.Sprintf("mode(%d)", byte(m))
	}
}

// PlatformGeneric is the client class announced in the identification report.
const PlatformGeneric byte = 8

const (
	ClockYearOffset = 1980
	captureLen      = 7
)

// Capture flag bits.
const (
	FlagTip    byte = 0x01
	FlagBarrel byte = 0x02
	FlagErase  byte = 0x04
	FlagSave   byte = 0x08
)

var ErrShortCapture = errors.New("hid: short capture report")

// Report is one decoded inbound report.
type Report interface {
	ReportID() byte
}

// CaptureReport is one stylus sample plus button state.
type CaptureReport struct {
	X        uint16
	Y        uint16
	Pressure uint16
	Flags    byte
}

func (CaptureReport) ReportID() byte { return IDCapture }

func (r CaptureReport) Tip() bool    { return r.Flags&FlagTip != 0 }
func (r CaptureReport) Barrel() bool { return r.Flags&FlagBarrel != 0 }
func (r CaptureReport) Erase() bool  { return r.Flags&FlagErase != 0 }
func (r CaptureReport) Save() bool   { return r.Flags&FlagSave != 0 }

// RawReport carries any report ID without a dedicated decoder.
type RawReport struct {
	ID      byte
	Payload []byte
}

func (r RawReport) ReportID() byte { return r.ID }

func ParseCapture(payload []byte) (CaptureReport, error) {
	if len(payload) < captureLen {
		return CaptureReport{}, fmt.Errorf("%w: %d bytes", ErrShortCapture, len(payload))
	}
	return CaptureReport{
		X:        binary.LittleEndian.Uint16(payload[0:2]),
		Y:        binary.LittleEndian.Uint16(payload[2:4]),
		Pressure: binary.LittleEndian.Uint16(payload[4:6]),
		Flags:    payload[6],
	}, nil
}

// EncodeCapture is the device-side inverse of ParseCapture.
func EncodeCapture(r CaptureReport) []byte {
	b := make([]byte, captureLen)
	binary.LittleEndian.PutUint16(b[0:2], r.X)
	binary.LittleEndian.PutUint16(b[2:4], r.Y)
	binary.LittleEndian.PutUint16(b[4:6], r.Pressure)
	b[6] = r.Flags
	return b
}

func ModeReport(m Mode) frame.Frame {
	return frame.Feature(IDMode, []byte{byte(m)})
}

func ClockReport(t time.Time) frame.Frame {
	b := EncodeClock(t)
	return frame.Feature(IDDate, b[:])
}

func DeviceReport() frame.Frame {
	return frame.Feature(IDDevice, []byte{PlatformGeneric, 0, 0, 0})
}

func EraseReport() frame.Frame {
	return frame.Feature(IDOperationRequest, []byte{0x01})
}

// EncodeClock packs t as seconds/2, minute, hour, day, month and years
// since 1980 into four bytes.
func EncodeClock(t time.Time) [4]byte {
	sec := t.Second() / 2
	minute := t.Minute()
	hour := t.Hour()
	day := t.Day()
	month := int(t.Month())
	year := t.Year() - ClockYearOffset
	return [4]byte{
		byte(minute<<5 | sec),
		byte(hour<<3 | minute>>3),
		byte(month<<5 | day),
		byte(year<<1 | month>>3),
	}
}
