package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewIPMapper(t *testing.T) {
	testCases := []struct {
		name    string
		subnet  string
		size    int
		wantErr bool
		err     error
	}{
		{
			name:   "happy path",
			subnet: "192.168.1.0/29",
			size:   8,
		},
		{
			name:   "host bits are masked",
			subnet: "10.0.0.17/24",
			size:   256,
		},
		{
			name:    "not a cidr",
			subnet:  "10.0.0.1",
			wantErr: true,
			err:     ErrInvalidSubnet,
		},
		{
			name:    "ipv6",
			subnet:  "2001:db8::/120",
			wantErr: true,
			err:     ErrInvalidSubnet,
		},
		{
			name:    "too large",
			subnet:  "10.0.0.0/8",
			wantErr: true,
			err:     ErrSubnetTooLarge,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mapper, err := NewIPMapper(tc.subnet)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.size, mapper.Size())
		})
	}
}

func Test_IPMapper_ValueIndex(t *testing.T) {
	mapper, err := NewIPMapper("192.168.1.0/29")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.0", mapper.Value(0))
	assert.Equal(t, "192.168.1.5", mapper.Value(5))

	index, err := mapper.Index("192.168.1.6")
	require.NoError(t, err)
	assert.Equal(t, 6, index)

	_, err = mapper.Index("192.168.1.8")
	assert.ErrorIs(t, err, ErrNotInSubnet)

	_, err = mapper.Index("garbage")
	assert.ErrorIs(t, err, ErrNotInSubnet)
}

func Test_IPMapper_Withheld(t *testing.T) {
	mapper, err := NewIPMapper("192.168.1.0/29")
	require.NoError(t, err)

	withheld, err := mapper.Withheld("192.168.1.1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 7, 1}, withheld)

	withheld, err = mapper.Withheld("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 7}, withheld)

	_, err = mapper.Withheld("10.0.0.1")
	assert.ErrorIs(t, err, ErrNotInSubnet)

	mapper, err = NewIPMapper("10.0.0.0/24")
	require.NoError(t, err)

	withheld, err = mapper.Withheld("10.0.0.254")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 255, 254}, withheld)
}
