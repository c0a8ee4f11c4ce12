package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

func parsePeers(dict map[string]any) ([]netip.AddrPort, error) {
	v, ok := dict["peers"]
	if !ok {
		return nil, nil
	}
	return decodePeers(v)
}

func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompact([]byte(t))
	case []byte:
		return decodeCompact(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompact(data []byte) ([]netip.AddrPort, error) {
	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed compact peers: length %d not a multiple of %d", len(data), strideV4)
	}

	n := len(data) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := data[off : off+strideV4]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not a dict", i)
		}

		var addr netip.Addr
		switch ip := m["ip"].(type) {
		case string:
			a, err := netip.ParseAddr(ip)
			if err != nil {
				return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ip, err)
			}
			addr = a
		case []byte:
			switch len(ip) {
			case 4:
				addr = netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]})
			case 16:
				var a16 [16]byte
				copy(a16[:], ip)
				addr = netip.AddrFrom16(a16)
			default:
				return nil, fmt.Errorf("peer[%d]: bad ip byte length %d", i, len(ip))
			}
		default:
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		port, err := int64FromAny(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}

func int64FromAny(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("not an int64")
	}
	return n, nil
}
