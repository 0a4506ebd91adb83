package utils

import (
	"encoding/binary"
	"net"
)

// IPv4ToUint32 returns the numeric value of an IPv4 address.
func IPv4ToUint32(ip net.IP) (uint32, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}

	return binary.BigEndian.Uint32(ip4), true
}

func Uint32ToIPv4(value uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, value)
	return ip
}

// NetworkSize returns the number of addresses in the network, including the
// network and broadcast addresses.
func NetworkSize(network net.IPNet) int {
	ones, bits := network.Mask.Size()
	return 1 << (bits - ones)
}

// BroadcastIP returns the last address of the network.
func BroadcastIP(network net.IPNet) net.IP {
	ip := network.IP.Mask(network.Mask)
	broadcast := make(net.IP, len(ip))
	for i := range ip {
		broadcast[i] = ip[i] | ^network.Mask[i]
	}
	return broadcast
}
