package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/hogwarts-cloud/hogd/pkg/utils"
)

// MaxPoolPrefix bounds the size of IP pools: subnets larger than /16 are
// rejected to keep the bitmaps small.
const MaxPoolPrefix = 16

var (
	ErrInvalidSubnet  = errors.New("invalid subnet")
	ErrNotInSubnet    = errors.New("address not in subnet")
	ErrSubnetTooLarge = errors.New("subnet too large")
)

// IPMapper maps bit indexes of an IP pool onto the addresses of an IPv4
// subnet: index 0 is the network address.
type IPMapper struct {
	network net.IPNet
	base    uint32
	size    int
}

func NewIPMapper(subnet string) (*IPMapper, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}

	base, ok := utils.IPv4ToUint32(ipNet.IP)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an IPv4 subnet", ErrInvalidSubnet, subnet)
	}

	if ones, _ := ipNet.Mask.Size(); ones < MaxPoolPrefix {
		return nil, fmt.Errorf("%w: %s", ErrSubnetTooLarge, subnet)
	}

	ipNet.IP = ipNet.IP.To4()

	return &IPMapper{
		network: *ipNet,
		base:    base,
		size:    utils.NetworkSize(*ipNet),
	}, nil
}

func (m *IPMapper) Size() int {
	return m.size
}

func (m *IPMapper) Value(index int) string {
	return utils.Uint32ToIPv4(m.base + uint32(index)).String()
}

func (m *IPMapper) Index(value string) (int, error) {
	ip := net.ParseIP(value)
	if ip == nil || !m.network.Contains(ip) {
		return 0, fmt.Errorf("%w: %s", ErrNotInSubnet, value)
	}

	v, _ := utils.IPv4ToUint32(ip)
	return int(v - m.base), nil
}

// Withheld returns the indexes that must never be handed out: the network
// address, the broadcast address and the gateway, if any.
func (m *IPMapper) Withheld(gateway string) ([]int, error) {
	withheld := []int{0}
	if m.size > 1 {
		broadcast, err := m.Index(utils.BroadcastIP(m.network).String())
		if err != nil {
			return nil, fmt.Errorf("failed to map broadcast address: %w", err)
		}
		withheld = append(withheld, broadcast)
	}

	if gateway == "" {
		return withheld, nil
	}

	index, err := m.Index(gateway)
	if err != nil {
		return nil, fmt.Errorf("failed to map gateway: %w", err)
	}

	return append(withheld, index), nil
}
