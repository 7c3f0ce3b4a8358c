//go:build linux

package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// BlueZ RFCOMM link-mode socket option (include/net/bluetooth/rfcomm.h).
const (
	solRFCOMM     = 18
	rfcommLM      = 0x03
	lmMaster      = 0x0001
	lmAuth        = 0x0002
	lmEncrypt     = 0x0004
	pollInterval  = 200 // milliseconds
	listenBacklog = 1
)

func rfcommSocket() (int, error) {
	return unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
}

func applyLinkMode(fd int, addr Address) error {
	lm := 0
	if addr.Flag("master") {
		lm |= lmMaster
	}
	if addr.Flag("authenticate") {
		lm |= lmAuth
	}
	if addr.Flag("encrypt") {
		lm |= lmEncrypt
	}
	if lm == 0 {
		return nil
	}
	return unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, lm)
}

func dialRFCOMM(ctx context.Context, addr Address) (Conn, error) {
	bdaddr, err := parseBDAddr(addr.Host)
	if err != nil {
		return nil, err
	}
	fd, err := rfcommSocket()
	if err != nil {
		return nil, err
	}
	if err := applyLinkMode(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: uint8(addr.Channel)})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, err
	}
	if err != nil {
		if err := waitConnected(ctx, fd); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	// A non-blocking fd joins the runtime poller, so Close unblocks Read.
	return os.NewFile(uintptr(fd), "rfcomm:"+addr.Host), nil
}

func waitConnected(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return syscall.Errno(soErr)
		}
		return nil
	}
}

type rfcommAcceptor struct {
	mu     sync.Mutex
	fd     int
	addr   string
	closed bool
}

func listenRFCOMM(addr Address) (Acceptor, error) {
	fd, err := rfcommSocket()
	if err != nil {
		return nil, err
	}
	if err := applyLinkMode(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: uint8(addr.Channel)}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &rfcommAcceptor{fd: fd, addr: SchemeSPP + "://localhost:" + strconv.Itoa(addr.Channel)}, nil
}

// Accept polls in short slices so Close never waits longer than one slice.
func (a *rfcommAcceptor) Accept() (Conn, error) {
	for {
		conn, retry, err := a.acceptOnce()
		if !retry {
			return conn, err
		}
	}
}

func (a *rfcommAcceptor) acceptOnce() (Conn, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false, net.ErrClosed
	}
	nfd, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		return os.NewFile(uintptr(nfd), "rfcomm:accepted"), false, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		fds := []unix.PollFd{{Fd: int32(a.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, pollInterval); err != nil && !errors.Is(err, unix.EINTR) {
			return nil, false, err
		}
		return nil, true, nil
	}
	return nil, false, err
}

func (a *rfcommAcceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return unix.Close(a.fd)
}

func (a *rfcommAcceptor) Addr() string {
	return a.addr
}
