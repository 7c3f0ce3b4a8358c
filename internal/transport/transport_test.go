package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/syncctl/internal/protocol/session"
	"github.com/danmuck/syncctl/internal/testutil/testlog"
	"github.com/danmuck/syncctl/internal/testutil/tlstest"
)

func TestParseAddressRFCOMM(t *testing.T) {
	testlog.Start(t)
	addr, err := ParseAddress("btspp://0017EC558162:2;authenticate=false;encrypt=true;master=false")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Scheme != SchemeSPP || addr.Host != "0017EC558162" || addr.Channel != 2 {
		t.Fatalf("unexpected address: %+v", addr)
	}
	if addr.Flag("authenticate") || !addr.Flag("encrypt") || addr.Flag("master") {
		t.Fatalf("unexpected flags: %+v", addr.Options)
	}
}

func TestParseAddressRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want error
	}{
		{raw: "0017EC558162:2", want: ErrInvalidAddress},
		{raw: "btspp://0017EC558162", want: ErrInvalidAddress},
		{raw: "btspp://0017EC558162:99", want: ErrInvalidAddress},
		{raw: "tcp://localhost", want: ErrInvalidAddress},
		{raw: "udp://localhost:9", want: ErrUnsupportedScheme},
	}
	for _, tc := range cases {
		if _, err := ParseAddress(tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("raw=%q expected %v, got %v", tc.raw, tc.want, err)
		}
	}
}

func TestParseBDAddrReversesByteOrder(t *testing.T) {
	testlog.Start(t)
	got, err := parseBDAddr("00:17:EC:55:81:62")
	if err != nil {
		t.Fatalf("parse bdaddr: %v", err)
	}
	want := [6]byte{0x62, 0x81, 0x55, 0xEC, 0x17, 0x00}
	if got != want {
		t.Fatalf("got=%x want=%x", got, want)
	}
	if _, err := parseBDAddr("0017EC5581"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestEndpointTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	ep := NewEndpoint(session.DefaultConfig())
	acc, err := ep.Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer acc.Close()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := acc.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ep.Dial(ctx, "tcp://"+acc.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	defer server.Close()

	if _, err := client.Write([]byte("sync")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "sync" {
		t.Fatalf("unexpected payload: %q", buf)
	}
}

func TestAcceptorCloseUnblocksAccept(t *testing.T) {
	testlog.Start(t)
	ep := NewEndpoint(session.DefaultConfig())
	acc, err := ep.Listen("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := acc.Accept()
		done <- err
	}()
	_ = acc.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("accept did not unblock")
	}
}

// echoBridge listens on a loopback tls:// address and echoes every
// connection back to its sender.
func echoBridge(t *testing.T, settings session.TLSConfig) string {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.TLS = settings
	acc, err := NewEndpoint(cfg).Listen("tls://127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = acc.Close() })
	go func() {
		for {
			conn, err := acc.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return "tls://" + acc.Addr()
}

// exchange dials address, writes a mode frame and reads the echo.
func exchange(settings session.TLSConfig, address string) error {
	cfg := session.DefaultConfig()
	cfg.TLS = settings
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewEndpoint(cfg).Dial(ctx, address)
	if err != nil {
		return err
	}
	defer client.Close()
	if _, err := client.Write([]byte{0x53, 0x05}); err != nil {
		return err
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil {
		return err
	}
	if buf[0] != 0x53 || buf[1] != 0x05 {
		return errors.New("unexpected echo")
	}
	return nil
}

func TestEndpointTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "sync-ca")
	listen, dial := ca.LoopbackBridge(t, false)
	if err := exchange(dial, echoBridge(t, listen)); err != nil {
		t.Fatalf("exchange: %v", err)
	}
}

func TestEndpointMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "sync-ca")
	listen, dial := ca.LoopbackBridge(t, true)
	address := echoBridge(t, listen)
	if err := exchange(dial, address); err != nil {
		t.Fatalf("exchange with tablet cert: %v", err)
	}

	anonymous := session.TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	if err := exchange(anonymous, address); err == nil {
		t.Fatalf("bridge accepted a dialer without a client certificate")
	}
}

func TestEndpointTLSDialRequiresCA(t *testing.T) {
	testlog.Start(t)
	ep := NewEndpoint(session.DefaultConfig())
	_, err := ep.Dial(context.Background(), "tls://127.0.0.1:1")
	if !errors.Is(err, session.ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
}

func TestListenRejectsRemoteRFCOMMHost(t *testing.T) {
	testlog.Start(t)
	ep := NewEndpoint(session.DefaultConfig())
	if _, err := ep.Listen("btspp://0017EC558162:2"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := ep.Listen("btgoep://localhost:2"); !errors.Is(err, ErrListenNotSupported) {
		t.Fatalf("expected ErrListenNotSupported, got %v", err)
	}
}
