package hid

import (
	"errors"

	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Decoder turns raw stream chunks into reports. Frames may span chunks;
// the partial tail is kept until the next Decode call.
type Decoder struct {
	limits  frame.Limits
	pending []byte
	logger  zerolog.Logger
}

func NewDecoder(limits frame.Limits) *Decoder {
	return &Decoder{limits: limits, logger: logging.For("hid")}
}

// Decode returns every complete report in chunk. Malformed records are
// logged and skipped.
func (d *Decoder) Decode(chunk []byte) []Report {
	d.pending = append(d.pending, chunk...)
	var out []Report
	for len(d.pending) > 0 {
		f, n, err := frame.Parse(d.pending, d.limits)
		if errors.Is(err, frame.ErrIncompleteFrame) {
			break
		}
		if errors.Is(err, frame.ErrLengthTooSmall) {
			d.logger.Warn().Err(err).Int("dropped", n).Msg("skip record")
			d.pending = d.pending[n:]
			continue
		}
		if err != nil {
			// The length cannot be trusted; nothing after it can be framed.
			d.logger.Warn().Err(err).Int("dropped", len(d.pending)).Msg("discard unframed input")
			d.pending = d.pending[:0]
			break
		}
		d.pending = d.pending[n:]
		report, err := decodeFrame(f)
		if err != nil {
			d.logger.Warn().Err(err).Uint8("report_id", f.ReportID).Msg("skip report")
			continue
		}
		out = append(out, report)
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out
}

func decodeFrame(f frame.Frame) (Report, error) {
	if f.Header != frame.HeaderDataInput {
		return nil, frame.ErrUnexpectedHeader
	}
	switch f.ReportID {
	case IDCapture:
		return ParseCapture(f.Payload)
	default:
		return RawReport{ID: f.ReportID, Payload: f.Payload}, nil
	}
}
