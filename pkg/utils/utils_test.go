package utils

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_IPv4ToUint32(t *testing.T) {
	value, ok := IPv4ToUint32(net.ParseIP("10.0.1.2"))
	assert.True(t, ok)
	assert.Equal(t, uint32(0x0a000102), value)
	assert.Equal(t, net.ParseIP("10.0.1.2").To4(), Uint32ToIPv4(value))

	_, ok = IPv4ToUint32(net.ParseIP("2001:db8::1"))
	assert.False(t, ok)
}

func Test_NetworkSize(t *testing.T) {
	testCases := []struct {
		network   net.IPNet
		size      int
		broadcast net.IP
	}{
		{
			network:   net.IPNet{IP: net.ParseIP("192.168.1.0").To4(), Mask: net.CIDRMask(29, 32)},
			size:      8,
			broadcast: net.ParseIP("192.168.1.7").To4(),
		},
		{
			network:   net.IPNet{IP: net.ParseIP("10.0.0.0").To4(), Mask: net.CIDRMask(24, 32)},
			size:      256,
			broadcast: net.ParseIP("10.0.0.255").To4(),
		},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.size, NetworkSize(tc.network))
		assert.Equal(t, tc.broadcast, BroadcastIP(tc.network))
	}
}
