package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeCompact_RoundTrip(t *testing.T) {
	data := []byte{
		192, 168, 1, 1, 0x1A, 0xE1, // 192.168.1.1:6881
		10, 0, 0, 2, 0x1A, 0xE2, // 10.0.0.2:6882
	}

	peers, err := decodeCompact(data)
	if err != nil {
		t.Fatalf("decodeCompact: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	want0 := netip.MustParseAddrPort("192.168.1.1:6881")
	if peers[0] != want0 {
		t.Fatalf("peer0 = %v, want %v", peers[0], want0)
	}
}

func TestDecodeCompact_BadLength(t *testing.T) {
	if _, err := decodeCompact([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for malformed compact peers")
	}
}

func TestDecodeDictPeers_OK(t *testing.T) {
	list := []any{
		map[string]any{"ip": "1.2.3.4", "port": int64(6881)},
	}

	peers, err := decodeDictPeers(list)
	if err != nil {
		t.Fatalf("decodeDictPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Port() != 6881 {
		t.Fatalf("peers = %#v", peers)
	}
}

func TestDecodeDictPeers_InvalidPort(t *testing.T) {
	list := []any{
		map[string]any{"ip": "1.2.3.4", "port": int64(99999)},
	}
	if _, err := decodeDictPeers(list); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestDecodePeers_UnsupportedType(t *testing.T) {
	if _, err := decodePeers(42); err == nil {
		t.Fatalf("expected error for unsupported peers type")
	}
}
