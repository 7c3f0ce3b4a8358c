package live

import (
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/stroke"
)

type MessageType string

const (
	MsgState   MessageType = "state"
	MsgCapture MessageType = "capture"
	MsgPaths   MessageType = "paths"
	MsgErase   MessageType = "erase"
	MsgSave    MessageType = "save"
)

// Message is the JSON envelope sent to every browser.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type StatePayload struct {
	Prev string `json:"prev"`
	Next string `json:"next"`
}

type CapturePayload struct {
	X        uint16 `json:"x"`
	Y        uint16 `json:"y"`
	Pressure uint16 `json:"pressure"`
	Tip      bool   `json:"tip"`
	Barrel   bool   `json:"barrel"`
}

type PathPayload struct {
	Points [][2]float64 `json:"points"`
	Width  float64      `json:"width"`
}

func capturePayload(r hid.CaptureReport) CapturePayload {
	return CapturePayload{X: r.X, Y: r.Y, Pressure: r.Pressure, Tip: r.Tip(), Barrel: r.Barrel()}
}

func pathPayloads(paths []stroke.Path) []PathPayload {
	out := make([]PathPayload, 0, len(paths))
	for _, p := range paths {
		pts := make([][2]float64, len(p.Points))
		for i, pt := range p.Points {
			pts[i] = [2]float64{pt.X, pt.Y}
		}
		out = append(out, PathPayload{Points: pts, Width: p.Width})
	}
	return out
}
