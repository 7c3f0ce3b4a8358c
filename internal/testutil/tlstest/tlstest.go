// Package tlstest issues throwaway certificates for tls:// bridge tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/syncctl/internal/protocol/session"
)

// Authority signs bridge and tablet certificates into one directory.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	dir    string
	caFile string
	serial atomic.Int64
}

// NewAuthority creates a CA under t.TempDir().
func NewAuthority(t testing.TB, commonName string) *Authority {
	t.Helper()
	dir := t.TempDir()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"syncctl test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca: %v", err)
	}
	a := &Authority{cert: cert, key: key, dir: dir, caFile: filepath.Join(dir, "ca.pem")}
	a.serial.Store(1)
	writePEM(t, a.caFile, "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string {
	return a.caFile
}

// IssueBridgeCert signs a server certificate for a bridge reachable at
// hosts, each an IP or a DNS name.
func (a *Authority) IssueBridgeCert(t testing.TB, name string, hosts ...string) (certFile, keyFile string) {
	t.Helper()
	template := a.leaf(name, x509.ExtKeyUsageServerAuth)
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return a.sign(t, name, template)
}

// IssueTabletCert signs a client certificate for a dialing peer.
func (a *Authority) IssueTabletCert(t testing.TB, name string) (certFile, keyFile string) {
	t.Helper()
	return a.sign(t, name, a.leaf(name, x509.ExtKeyUsageClientAuth))
}

// LoopbackBridge returns listen and dial settings for a bridge on
// 127.0.0.1. mutual adds a tablet certificate and client verification.
func (a *Authority) LoopbackBridge(t testing.TB, mutual bool) (listen, dial session.TLSConfig) {
	t.Helper()
	certFile, keyFile := a.IssueBridgeCert(t, "bridge", "127.0.0.1", "localhost")
	listen = session.TLSConfig{Enabled: true, Mutual: mutual, CertFile: certFile, KeyFile: keyFile, CAFile: a.caFile}
	dial = session.TLSConfig{Enabled: true, Mutual: mutual, CAFile: a.caFile}
	if mutual {
		dial.CertFile, dial.KeyFile = a.IssueTabletCert(t, "tablet")
	}
	return listen, dial
}

func (a *Authority) leaf(name string, usage x509.ExtKeyUsage) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(a.serial.Add(1)),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
}

func (a *Authority) sign(t testing.TB, name string, template *x509.Certificate) (string, string) {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("sign %s: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}
	base := filepath.Join(a.dir, fileName(name))
	writePEM(t, base+".pem", "CERTIFICATE", der, 0o644)
	writePEM(t, base+"-key.pem", "EC PRIVATE KEY", keyDER, 0o600)
	return base + ".pem", base + "-key.pem"
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "leaf"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(name)
}
