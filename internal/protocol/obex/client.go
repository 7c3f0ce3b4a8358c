package obex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FolderBrowsingUUID is the File Transfer Profile target.
var FolderBrowsingUUID = []byte{
	0xF9, 0xEC, 0x7B, 0xC4, 0x95, 0x3C, 0x11, 0xD2,
	0x98, 0x4E, 0x52, 0x54, 0x00, 0xDC, 0x9E, 0x09,
}

const FolderListingType = "x-obex/folder-listing"

var (
	ErrNotSuccess   = errors.New("obex: response not success")
	ErrNotConnected = errors.New("obex: not connected")
)

// ResponseError reports a non-success response code for one operation.
type ResponseError struct {
	Op   string
	Code byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("obex: %s: response 0x%02X", e.Op, e.Code)
}

func (e *ResponseError) Unwrap() error {
	return ErrNotSuccess
}

// Client drives one OBEX session over rw. It is not safe for concurrent
// use; a single session worker owns it.
type Client struct {
	rw        io.ReadWriter
	maxPacket uint16
	connID    uint32
	connected bool
}

func NewClient(rw io.ReadWriter, maxPacket uint16) *Client {
	return &Client{rw: rw, maxPacket: maxPacket}
}

func (c *Client) ConnectionID() uint32 {
	return c.connID
}

// Connect negotiates the folder-browsing target and returns the
// connection ID the peer assigned.
func (c *Client) Connect() (uint32, error) {
	req := Packet{
		Code:    OpConnect,
		Prefix:  ConnectPrefix(c.maxPacket),
		Headers: []Header{{ID: HdrTarget, Value: FolderBrowsingUUID}},
	}
	if err := WritePacket(c.rw, req, 0); err != nil {
		return 0, err
	}
	resp, err := ReadResponse(c.rw, connectPrefixLen)
	if err != nil {
		return 0, err
	}
	if resp.Code != RespSuccess {
		return 0, &ResponseError{Op: "connect", Code: resp.Code}
	}
	if peerMax := binary.BigEndian.Uint16(resp.Prefix[2:4]); peerMax >= 255 && peerMax < c.maxPacket {
		c.maxPacket = peerMax
	}
	c.connID, _ = resp.Uint32(HdrConnID)
	c.connected = true
	return c.connID, nil
}

// SetPath changes the remote folder. "" selects the root and ".." the parent.
func (c *Client) SetPath(name string) error {
	flags := SetPathNoCreate
	var headers []Header
	switch name {
	case "..":
		flags |= SetPathBackup
	default:
		headers = append(headers, NameHeader(name))
	}
	_, err := c.roundTrip("setpath", Packet{Code: OpSetPath, Prefix: []byte{flags, 0}, Headers: headers})
	return err
}

// Get streams the object selected by typ and/or name into w.
func (c *Client) Get(typ, name string, w io.Writer) (int64, error) {
	var headers []Header
	if name != "" {
		headers = append(headers, NameHeader(name))
	}
	if typ != "" {
		headers = append(headers, TypeHeader(typ))
	}
	req := Packet{Code: OpGet, Headers: headers}

	var written int64
	for {
		resp, err := c.exchange(req)
		if err != nil {
			return written, err
		}
		if body, ok := resp.Body(); ok && len(body) > 0 {
			n, err := w.Write(body)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
		switch resp.Code {
		case RespSuccess:
			return written, nil
		case RespContinue:
			req = Packet{Code: OpGet}
		default:
			return written, &ResponseError{Op: "get", Code: resp.Code}
		}
	}
}

// Delete removes name: a final PUT carrying a name and no body.
func (c *Client) Delete(name string) error {
	_, err := c.roundTrip("delete", Packet{Code: OpPut, Headers: []Header{NameHeader(name)}})
	return err
}

func (c *Client) Disconnect() error {
	if !c.connected {
		return ErrNotConnected
	}
	c.connected = false
	_, err := c.roundTrip("disconnect", Packet{Code: OpDisconnect})
	return err
}

func (c *Client) roundTrip(op string, req Packet) (Packet, error) {
	resp, err := c.exchange(req)
	if err != nil {
		return Packet{}, err
	}
	if resp.Code != RespSuccess {
		return resp, &ResponseError{Op: op, Code: resp.Code}
	}
	return resp, nil
}

func (c *Client) exchange(req Packet) (Packet, error) {
	if !c.connected && req.Code != OpDisconnect {
		return Packet{}, ErrNotConnected
	}
	if c.connID != 0 {
		req.Headers = append([]Header{Uint32Header(HdrConnID, c.connID)}, req.Headers...)
	}
	if err := WritePacket(c.rw, req, c.maxPacket); err != nil {
		return Packet{}, err
	}
	return ReadResponse(c.rw, 0)
}
