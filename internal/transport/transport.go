// Package transport owns the stream sockets both services run on.
//
// Address strings are opaque to the services; Endpoint routes them by scheme:
// btspp:// and btgoep:// use RFCOMM, tcp:// and tls:// use a network bridge.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/syncctl/internal/protocol/session"
)

var (
	ErrInvalidAddress     = errors.New("transport: invalid address")
	ErrUnsupportedScheme  = errors.New("transport: unsupported scheme")
	ErrUnsupportedOnHost  = errors.New("transport: rfcomm not supported on this platform")
	ErrListenNotSupported = errors.New("transport: scheme cannot listen")
)

// Conn is one connected byte stream. Close unblocks a pending Read.
type Conn interface {
	io.ReadWriteCloser
}

// Acceptor yields inbound connections until closed.
type Acceptor interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// Binder opens listening endpoints.
type Binder interface {
	Listen(address string) (Acceptor, error)
}

// Endpoint implements Dialer and Binder over every supported scheme.
type Endpoint struct {
	cfg session.Config
}

var (
	_ Dialer = (*Endpoint)(nil)
	_ Binder = (*Endpoint)(nil)
)

func NewEndpoint(cfg session.Config) *Endpoint {
	return &Endpoint{cfg: cfg.WithDefaults()}
}

func (e *Endpoint) Dial(ctx context.Context, address string) (Conn, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	switch addr.Scheme {
	case SchemeSPP, SchemeGOEP:
		return dialRFCOMM(ctx, addr)
	case SchemeTCP:
		return dialTCP(ctx, addr.Host)
	case SchemeTLS:
		return dialTLS(ctx, addr.Host, e.cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, addr.Scheme)
	}
}

func (e *Endpoint) Listen(address string) (Acceptor, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	switch addr.Scheme {
	case SchemeSPP:
		if !addr.IsLocal() {
			return nil, fmt.Errorf("%w: listen host must be localhost, got %q", ErrInvalidAddress, addr.Host)
		}
		return listenRFCOMM(addr)
	case SchemeTCP:
		return listenTCP(addr.Host)
	case SchemeTLS:
		return listenTLS(addr.Host, e.cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrListenNotSupported, addr.Scheme)
	}
}
