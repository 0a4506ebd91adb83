package pool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

// MACPrefixMapper maps indexes onto MAC prefixes: the hex digits of the base
// plus the index, regrouped into octets. A base of "aa:00:0" yields
// "aa:00:0", "aa:00:1", ... "aa:01:0" and so on.
type MACPrefixMapper struct {
	base   uint64
	digits int
}

func NewMACPrefixMapper(base string) (*MACPrefixMapper, error) {
	digits := strings.ReplaceAll(base, ":", "")
	value, err := strconv.ParseUint(digits, 16, 64)
	if err != nil || digits == "" {
		return nil, fmt.Errorf("%w: mac prefix base %q", ErrInvalidIdentifier, base)
	}

	return &MACPrefixMapper{base: value, digits: len(digits)}, nil
}

func (m *MACPrefixMapper) Value(index int) string {
	hex := fmt.Sprintf("%0*x", m.digits, m.base+uint64(index))
	return groupOctets(hex)
}

func (m *MACPrefixMapper) Index(value string) (int, error) {
	digits := strings.ReplaceAll(value, ":", "")
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil || v < m.base {
		return 0, fmt.Errorf("%w: mac prefix %q", ErrInvalidIdentifier, value)
	}

	return int(v - m.base), nil
}

// Withheld returns index 0, kept for public networks, and the indexes whose
// first octet would be a multicast address.
func (m *MACPrefixMapper) Withheld(size int) []int {
	withheld := []int{0}
	for i := 1; i < size; i++ {
		if !unicast(m.Value(i)) {
			withheld = append(withheld, i)
		}
	}
	return withheld
}

// MACMapper maps indexes onto full MAC addresses under a three octet prefix.
type MACMapper struct {
	prefix string
}

func NewMACMapper(prefix string) (*MACMapper, error) {
	if len(strings.Split(prefix, ":")) != 3 {
		return nil, fmt.Errorf("%w: mac prefix %q", ErrInvalidIdentifier, prefix)
	}

	return &MACMapper{prefix: strings.ToLower(prefix)}, nil
}

func (m *MACMapper) Value(index int) string {
	return fmt.Sprintf("%s:%02x:%02x:%02x", m.prefix, (index>>16)&0xff, (index>>8)&0xff, index&0xff)
}

func (m *MACMapper) Index(value string) (int, error) {
	value = strings.ToLower(value)
	if !strings.HasPrefix(value, m.prefix+":") {
		return 0, fmt.Errorf("%w: mac %q outside prefix %q", ErrInvalidIdentifier, value, m.prefix)
	}

	suffix := strings.ReplaceAll(strings.TrimPrefix(value, m.prefix+":"), ":", "")
	if len(suffix) != 6 {
		return 0, fmt.Errorf("%w: mac %q", ErrInvalidIdentifier, value)
	}

	v, err := strconv.ParseUint(suffix, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: mac %q", ErrInvalidIdentifier, value)
	}

	return int(v), nil
}

// SuffixMapper maps indexes onto base followed by index+offset, e.g.
// bridges "prv1", "prv2"... With an empty base it maps plain numbers.
type SuffixMapper struct {
	base   string
	offset int
}

func NewSuffixMapper(base string, offset int) *SuffixMapper {
	return &SuffixMapper{base: base, offset: offset}
}

func (m *SuffixMapper) Value(index int) string {
	return m.base + strconv.Itoa(index+m.offset)
}

func (m *SuffixMapper) Index(value string) (int, error) {
	if !strings.HasPrefix(value, m.base) {
		return 0, fmt.Errorf("%w: %q has no prefix %q", ErrInvalidIdentifier, value, m.base)
	}

	n, err := strconv.Atoi(strings.TrimPrefix(value, m.base))
	if err != nil || n < m.offset {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, value)
	}

	return n - m.offset, nil
}

func groupOctets(hex string) string {
	groups := make([]string, 0, (len(hex)+1)/2)
	for i := 0; i < len(hex); i += 2 {
		end := min(i+2, len(hex))
		groups = append(groups, hex[i:end])
	}
	return strings.Join(groups, ":")
}

func unicast(prefix string) bool {
	first, err := strconv.ParseUint(strings.SplitN(prefix, ":", 2)[0], 16, 8)
	return err == nil && first&1 == 0
}
