package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/brutella/dnssd"
	"github.com/danmuck/syncctl/internal/testutil/testlog"
)

func TestSyncAddressesFiltersKindAndTakesSecondLine(t *testing.T) {
	testlog.Start(t)
	peers := map[string]Record{
		"b": {Kind: SyncKind, AddressInfo: "Sync B\nbtgoep://0017EC000002:4;authenticate=false;encrypt=false;master=false"},
		"a": {Kind: SyncKind, AddressInfo: "Sync A\nbtgoep://0017EC000001:4"},
		"c": {Kind: "Headset", AddressInfo: "Headset\nbtspp://001122334455:1"},
		"d": {Kind: SyncKind, AddressInfo: "no address line"},
	}
	got := SyncAddresses(peers)
	want := []string{
		"btgoep://0017EC000001:4",
		"btgoep://0017EC000002:4;authenticate=false;encrypt=false;master=false",
	}
	if len(got) != len(want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got=%q want=%q", i, got[i], want[i])
		}
	}
}

func TestResolveReportsNoPeers(t *testing.T) {
	testlog.Start(t)
	_, err := Resolve(context.Background(), StaticFinder{"x": {Kind: "Other", AddressInfo: "x\ntcp://h:1"}}, ServiceStreaming)
	if !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	addrs, err := Resolve(context.Background(), StaticFinder{"s": Paired("Sync", "tcp://h:1")}, ServiceStreaming)
	if err != nil || len(addrs) != 1 || addrs[0] != "tcp://h:1" {
		t.Fatalf("unexpected resolve: addrs=%v err=%v", addrs, err)
	}
}

func TestEntryRecordBuildsBridgeAddress(t *testing.T) {
	testlog.Start(t)
	rec := entryRecord(dnssd.BrowseEntry{
		Name: "desk-bridge",
		IPs:  []net.IP{net.ParseIP("192.168.1.20")},
		Port: 7421,
		Text: map[string]string{txtKind: SyncKind, txtScheme: "tls"},
	})
	addrs := SyncAddresses(map[string]Record{"desk-bridge": rec})
	if len(addrs) != 1 || addrs[0] != "tls://192.168.1.20:7421" {
		t.Fatalf("unexpected addresses: %v", addrs)
	}
}
