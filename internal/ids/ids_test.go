package ids

import (
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	id, _, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.True(t, IsValidID(id.String()))
	assert.Equal(t, 0, id.Compare(parsed))
}

func TestIsValidID(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  bool
	}{
		{"empty", "", false},
		{"not base58", "0OIl", false},
		{"31 bytes", base58.Encode(make([]byte, 31)), false},
		{"33 bytes", base58.Encode(append(make([]byte, 32), 1)), false},
		{"32 bytes", base58.Encode([]byte(strings.Repeat("a", 32))), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidID(tc.input))
		})
	}
}

func TestAddress(t *testing.T) {
	id, _, err := GenerateKeyPair()
	require.NoError(t, err)
	nospam := Nospam{1, 2, 3, 4}

	addr := NewAddress(id, nospam)
	parsed, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)
	assert.True(t, IsValidAddress(addr.String()))

	// A bare id is accepted as an address without nospam.
	bare, err := ParseAddress(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, bare.ID)
	assert.False(t, bare.HasNospam)
	assert.True(t, IsValidAddress(id.String()))
}

func TestAddressChecksum(t *testing.T) {
	id, _, err := GenerateKeyPair()
	require.NoError(t, err)

	raw, err := base58.Decode(NewAddress(id, Nospam{9, 9, 9, 9}).String())
	require.NoError(t, err)
	raw[AddressSize-1] ^= 0xFF

	_, err = ParseAddress(base58.Encode(raw))
	assert.Error(t, err)
	assert.False(t, IsValidAddress(base58.Encode(raw)))
}
