// Package discovery resolves which peers offer the Sync services.
package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Service filters passed to Finder.FindPeers.
const (
	ServiceFileTransfer = "_sync-ftp._tcp"
	ServiceStreaming    = "_sync-spp._tcp"
)

// SyncKind is the device kind advertised by the tablet.
const SyncKind = "Sync"

var ErrNoPeers = errors.New("discovery: no sync peers found")

// Record describes one peer. AddressInfo is newline separated; its second
// line is the connectable address.
type Record struct {
	Kind        string
	AddressInfo string
}

// Finder lists peers offering service, keyed by peer ID.
type Finder interface {
	FindPeers(ctx context.Context, service string) (map[string]Record, error)
}

// SyncAddresses keeps Sync records and returns their connectable addresses
// ordered by peer ID.
func SyncAddresses(peers map[string]Record) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []string
	for _, id := range ids {
		rec := peers[id]
		if rec.Kind != SyncKind {
			continue
		}
		lines := strings.Split(rec.AddressInfo, "\n")
		if len(lines) < 2 {
			continue
		}
		if addr := strings.TrimSpace(lines[1]); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Resolve queries f for service and returns the Sync addresses found.
func Resolve(ctx context.Context, f Finder, service string) ([]string, error) {
	peers, err := f.FindPeers(ctx, service)
	if err != nil {
		return nil, err
	}
	addrs := SyncAddresses(peers)
	if len(addrs) == 0 {
		return nil, ErrNoPeers
	}
	return addrs, nil
}

// StaticFinder returns a fixed peer table, typically the paired devices
// listed in the config file.
type StaticFinder map[string]Record

func (s StaticFinder) FindPeers(_ context.Context, _ string) (map[string]Record, error) {
	out := make(map[string]Record, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Paired builds a StaticFinder entry for a Sync at address.
func Paired(name, address string) Record {
	return Record{Kind: SyncKind, AddressInfo: name + "\n" + address}
}
