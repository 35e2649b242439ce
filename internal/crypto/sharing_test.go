package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/bonserver/internal/types"
)

func newSecret(t *testing.T) []byte {
	t.Helper()
	kp, err := NewKeyGenerator().Generate()
	require.NoError(t, err)
	return kp.Private
}

func TestSplitCombineAnyTwo(t *testing.T) {
	sp := NewSplitter()
	for i := 0; i < 32; i++ {
		secret := newSecret(t)
		shares, err := sp.Split(secret)
		require.NoError(t, err)

		testCases := []struct {
			name   string
			shares [][]byte
		}{
			{name: "share1+share2", shares: [][]byte{shares[0], shares[1]}},
			{name: "share1+share3", shares: [][]byte{shares[0], shares[2]}},
			{name: "share2+share3", shares: [][]byte{shares[1], shares[2]}},
			{name: "share3+share1", shares: [][]byte{shares[2], shares[0]}},
			{name: "all three", shares: [][]byte{shares[0], shares[1], shares[2]}},
		}
		for _, tc := range testCases {
			got, err := sp.Combine(tc.shares...)
			require.NoError(t, err, tc.name)
			assert.Equal(t, secret, got, tc.name)
		}
	}
}

func TestSplitProducesFixedSizeShares(t *testing.T) {
	// index byte, 8-byte tag, 32-byte value
	assert.Equal(t, 41, ShareSize)
	shares, err := NewSplitter().Split(newSecret(t))
	require.NoError(t, err)
	for i, s := range shares {
		assert.Len(t, s, ShareSize)
		parsed, err := ParseShare(s)
		require.NoError(t, err)
		assert.Equal(t, uint8(i+1), parsed.Index)
	}
}

func TestSplitIsRandomized(t *testing.T) {
	sp := NewSplitter()
	secret := newSecret(t)
	a, err := sp.Split(secret)
	require.NoError(t, err)
	b, err := sp.Split(secret)
	require.NoError(t, err)
	for i := range a {
		assert.NotEqual(t, a[i], b[i])
	}
}

func TestSplitRejectsInvalidSecret(t *testing.T) {
	sp := NewSplitter()
	_, err := sp.Split(make([]byte, 31))
	assert.Error(t, err)
	_, err = sp.Split(make([]byte, 32))
	assert.Error(t, err)
}

func TestCombineErrors(t *testing.T) {
	sp := NewSplitter()
	first, err := sp.Split(newSecret(t))
	require.NoError(t, err)
	second, err := sp.Split(newSecret(t))
	require.NoError(t, err)

	tampered := append([]byte(nil), first[2]...)
	tampered[ShareSize-1] ^= 0x01

	testCases := []struct {
		name   string
		shares [][]byte
		want   error
	}{
		{name: "no shares", shares: nil, want: types.ErrInsufficientShares},
		{name: "single share", shares: [][]byte{first[0]}, want: types.ErrInsufficientShares},
		{name: "same share twice", shares: [][]byte{first[1], first[1]}, want: types.ErrInsufficientShares},
		{name: "shares from different splits", shares: [][]byte{first[0], second[1]}, want: types.ErrShareMismatch},
		{name: "inconsistent third share", shares: [][]byte{first[0], first[1], tampered}, want: types.ErrShareMismatch},
		{name: "tampered value", shares: [][]byte{first[0], tampered}, want: types.ErrShareMismatch},
		{name: "truncated share", shares: [][]byte{first[0], first[1][:10]}, want: types.ErrShareMismatch},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sp.Combine(tc.shares...)
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, got)
			assert.Equal(t, types.KindCrypto, types.KindOf(err))
		})
	}
}
