package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/danmuck/syncctl/internal/protocol/session"
)

type netAcceptor struct {
	ln net.Listener
}

func (a *netAcceptor) Accept() (Conn, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *netAcceptor) Close() error {
	return a.ln.Close()
}

func (a *netAcceptor) Addr() string {
	return a.ln.Addr().String()
}

func dialTCP(ctx context.Context, hostport string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func dialTLS(ctx context.Context, hostport string, cfg session.Config) (Conn, error) {
	cfg.TLS.Enabled = true
	if err := cfg.ValidateDialTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig(hostport, cfg.TLS)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func listenTCP(hostport string) (Acceptor, error) {
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	return &netAcceptor{ln: ln}, nil
}

func listenTLS(hostport string, cfg session.Config) (Acceptor, error) {
	cfg.TLS.Enabled = true
	if err := cfg.ValidateListenTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", hostport, tlsCfg)
	if err != nil {
		return nil, err
	}
	return &netAcceptor{ln: ln}, nil
}

func clientTLSConfig(hostport string, settings session.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: settings.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(settings.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(settings.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if settings.Mutual {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func serverTLSConfig(settings session.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if settings.Mutual {
		pool, err := loadPool(settings.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func loadPool(caPath string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
	}
	return pool, nil
}
