package discovery

import (
	"net"
	"net/netip"
)

// icsBridgeBroadcast is the legacy Windows Internet Connection Sharing
// bridge broadcast address. It is appended unconditionally so discovery
// keeps working on hosts where interface enumeration is unreliable.
var icsBridgeBroadcast = netip.MustParseAddr("192.168.137.255")

const icsBridgeInterfaceName = "ics-bridge"

// SubnetEntry pairs a local interface with the directed broadcast address
// of the /24 it carries.
type SubnetEntry struct {
	Interface net.Interface
	Broadcast netip.Addr
}

// EnumerateSubnets walks every non-loopback local interface carrying an
// IPv4 unicast address and derives its /24 directed broadcast address
// (the address with the last octet forced to 255). The ICS-bridge
// fallback entry is always appended.
func EnumerateSubnets() ([]SubnetEntry, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var entries []SubnetEntry
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			broadcast, ok := directedBroadcast(ip4)
			if !ok {
				continue
			}

			entries = append(entries, SubnetEntry{
				Interface: iface,
				Broadcast: broadcast,
			})
		}
	}

	entries = append(entries, SubnetEntry{
		Interface: net.Interface{Name: icsBridgeInterfaceName},
		Broadcast: icsBridgeBroadcast,
	})

	return entries, nil
}

// directedBroadcast sets the last octet of a /24 IPv4 address to 255.
func directedBroadcast(ip4 net.IP) (netip.Addr, bool) {
	ip4 = ip4.To4()
	if ip4 == nil {
		return netip.Addr{}, false
	}
	var b [4]byte
	copy(b[:], ip4)
	b[3] = 0xFF
	return netip.AddrFrom4(b), true
}

// bridgedSubnet reports whether addr falls within the fixed ICS-bridge /24
// (192.168.137.0/24), comparing the first three octets numerically. It does
// not consult the enumerated subnet list.
func bridgedSubnet(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	b := addr.As4()
	return b[0] == 192 && b[1] == 168 && b[2] == 137
}

// interfaceFor returns the subnet entry whose /24 matches addr, if any.
func interfaceFor(entries []SubnetEntry, addr netip.Addr) (net.Interface, bool) {
	if !addr.Is4() {
		return net.Interface{}, false
	}
	addrBytes := addr.As4()

	for _, entry := range entries {
		if !entry.Broadcast.Is4() {
			continue
		}
		bcastBytes := entry.Broadcast.As4()
		if addrBytes[0] == bcastBytes[0] && addrBytes[1] == bcastBytes[1] && addrBytes[2] == bcastBytes[2] {
			return entry.Interface, true
		}
	}

	if bridgedSubnet(addr) {
		return net.Interface{Name: icsBridgeInterfaceName}, true
	}

	return net.Interface{}, false
}
