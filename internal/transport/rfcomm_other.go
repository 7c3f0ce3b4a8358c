//go:build !linux

package transport

import "context"

func dialRFCOMM(_ context.Context, _ Address) (Conn, error) {
	return nil, ErrUnsupportedOnHost
}

func listenRFCOMM(_ Address) (Acceptor, error) {
	return nil, ErrUnsupportedOnHost
}
