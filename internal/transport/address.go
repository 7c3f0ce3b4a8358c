package transport

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Address schemes understood by Endpoint.
const (
	SchemeSPP  = "btspp"
	SchemeGOEP = "btgoep"
	SchemeTCP  = "tcp"
	SchemeTLS  = "tls"
)

// Address is a parsed connection string such as
// "btspp://0017EC558162:2;authenticate=false;encrypt=false;master=false".
type Address struct {
	Scheme  string
	Host    string
	Channel int
	Options map[string]string
}

// ParseAddress splits a connection string into scheme, target and options.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" || rest == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	scheme = strings.ToLower(scheme)

	parts := strings.Split(rest, ";")
	addr := Address{
		Scheme:  scheme,
		Options: make(map[string]string),
	}
	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		k, v, _ := strings.Cut(opt, "=")
		addr.Options[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	target := strings.TrimSpace(parts[0])
	switch scheme {
	case SchemeSPP, SchemeGOEP:
		host, ch, ok := strings.Cut(target, ":")
		if !ok {
			return Address{}, fmt.Errorf("%w: missing channel in %q", ErrInvalidAddress, raw)
		}
		channel, err := strconv.Atoi(ch)
		if err != nil || channel < 1 || channel > 30 {
			return Address{}, fmt.Errorf("%w: bad rfcomm channel %q", ErrInvalidAddress, ch)
		}
		addr.Host = host
		addr.Channel = channel
	case SchemeTCP, SchemeTLS:
		if !strings.Contains(target, ":") {
			return Address{}, fmt.Errorf("%w: missing port in %q", ErrInvalidAddress, raw)
		}
		addr.Host = target
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return addr, nil
}

// IsLocal reports whether the address names the local adapter.
func (a Address) IsLocal() bool {
	return strings.EqualFold(a.Host, "localhost")
}

// Flag reads a boolean option; absent or unparsable values are false.
func (a Address) Flag(name string) bool {
	v, ok := a.Options[strings.ToLower(name)]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// parseBDAddr turns "0017EC558162" or "00:17:EC:55:81:62" into the
// little-endian byte order the kernel expects.
func parseBDAddr(host string) ([6]byte, error) {
	var out [6]byte
	clean := strings.ReplaceAll(strings.ReplaceAll(host, ":", ""), "-", "")
	if len(clean) != 12 {
		return out, fmt.Errorf("%w: bad device address %q", ErrInvalidAddress, host)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("%w: bad device address %q", ErrInvalidAddress, host)
	}
	for i := 0; i < 6; i++ {
		out[i] = b[5-i]
	}
	return out, nil
}
