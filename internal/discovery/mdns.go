package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/brutella/dnssd"
	"github.com/danmuck/syncctl/internal/logging"
)

// TXT keys published by bridges.
const (
	txtKind   = "kind"
	txtScheme = "scheme"
)

// MDNSFinder browses the local network for bridges that relay a tablet's
// channels over tcp:// or tls://.
type MDNSFinder struct {
	Domain string
}

var _ Finder = (*MDNSFinder)(nil)

// FindPeers browses until ctx is done and returns everything seen.
func (m *MDNSFinder) FindPeers(ctx context.Context, service string) (map[string]Record, error) {
	domain := m.Domain
	if domain == "" {
		domain = "local"
	}
	logger := logging.For("discovery")

	var mu sync.Mutex
	peers := make(map[string]Record)
	add := func(e dnssd.BrowseEntry) {
		if len(e.IPs) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		peers[e.Name] = entryRecord(e)
		logger.Debug().Str("peer", e.Name).Str("kind", peers[e.Name].Kind).Msg("bridge found")
	}
	remove := func(e dnssd.BrowseEntry) {
		mu.Lock()
		defer mu.Unlock()
		delete(peers, e.Name)
	}

	err := dnssd.LookupType(ctx, fmt.Sprintf("%s.%s.", service, domain), add, remove)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]Record, len(peers))
	for k, v := range peers {
		out[k] = v
	}
	return out, nil
}

func entryRecord(e dnssd.BrowseEntry) Record {
	scheme := e.Text[txtScheme]
	if scheme != "tls" {
		scheme = "tcp"
	}
	addr := scheme + "://" + net.JoinHostPort(e.IPs[0].String(), strconv.Itoa(e.Port))
	return Record{Kind: e.Text[txtKind], AddressInfo: e.Name + "\n" + addr}
}

// Announce advertises a local endpoint until ctx is done.
func Announce(ctx context.Context, name, service string, port int, text map[string]string) error {
	sv, err := dnssd.NewService(dnssd.Config{
		Name:   name,
		Type:   service,
		Domain: "local",
		Port:   port,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("discovery: create service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: create responder: %w", err)
	}
	hdl, err := rp.Add(sv)
	if err != nil {
		return fmt.Errorf("discovery: add service: %w", err)
	}
	go func() {
		<-ctx.Done()
		rp.Remove(hdl)
	}()
	err = rp.Respond(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
