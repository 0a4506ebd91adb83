package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MACPrefixMapper(t *testing.T) {
	mapper, err := NewMACPrefixMapper("aa:00:0")
	require.NoError(t, err)

	testCases := []struct {
		index    int
		expected string
	}{
		{index: 0, expected: "aa:00:0"},
		{index: 1, expected: "aa:00:1"},
		{index: 16, expected: "aa:01:0"},
		{index: 4096, expected: "ab:00:0"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, mapper.Value(tc.index))

		index, err := mapper.Index(tc.expected)
		require.NoError(t, err)
		assert.Equal(t, tc.index, index)
	}

	_, err = mapper.Index("00:00:0")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewMACPrefixMapper("zz")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func Test_MACPrefixMapper_Withheld(t *testing.T) {
	mapper, err := NewMACPrefixMapper("aa:00:0")
	require.NoError(t, err)

	withheld := mapper.Withheld(8192)
	assert.Contains(t, withheld, 0)
	assert.Contains(t, withheld, 4096)
	assert.Contains(t, withheld, 8191)
	assert.NotContains(t, withheld, 1)
	assert.Len(t, withheld, 4097)
}

func Test_MACMapper(t *testing.T) {
	mapper, err := NewMACMapper("aa:00:1a")
	require.NoError(t, err)

	assert.Equal(t, "aa:00:1a:00:00:00", mapper.Value(0))
	assert.Equal(t, "aa:00:1a:01:02:03", mapper.Value(0x010203))

	index, err := mapper.Index("AA:00:1A:00:01:00")
	require.NoError(t, err)
	assert.Equal(t, 256, index)

	_, err = mapper.Index("aa:00:1b:00:00:01")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewMACMapper("aa:00")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func Test_SuffixMapper(t *testing.T) {
	bridges := NewSuffixMapper("prv", 1)
	assert.Equal(t, "prv1", bridges.Value(0))

	index, err := bridges.Index("prv20")
	require.NoError(t, err)
	assert.Equal(t, 19, index)

	_, err = bridges.Index("br0")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = bridges.Index("prv0")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	indexes := NewSuffixMapper("", 0)
	assert.Equal(t, "7", indexes.Value(7))
}

func Test_Mapped(t *testing.T) {
	p := NewMapped(New(4), NewSuffixMapper("prv", 1))

	value, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, "prv1", value)

	assert.ErrorIs(t, p.ReserveValue("prv1"), ErrAlreadyTaken)
	assert.ErrorIs(t, p.ReserveValue("prv9"), ErrOutOfRange)
	assert.ErrorIs(t, p.ReserveValue("eth0"), ErrOutOfRange)
	require.NoError(t, p.ReserveValue("prv3"))

	require.NoError(t, p.Put("prv1"))
	require.NoError(t, p.Put("prv1"))
	assert.True(t, p.Contains("prv1"))
	assert.False(t, p.Contains("prv3"))

	value, err = p.Get()
	require.NoError(t, err)
	assert.Equal(t, "prv1", value)
}
