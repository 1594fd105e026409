package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGacoEncodeDecodeRoundTrip(t *testing.T) {
	pages := []PageNum{5, 1, 9, 3}
	encoded := gacoEncode(pages)
	decoded := gacoDecode(encoded)

	require.Len(t, decoded, len(pages))
	for i := 1; i < len(decoded); i++ {
		require.Greater(t, decoded[i-1], decoded[i], "gaco PNL must be descending-sorted")
	}
	seen := map[PageNum]bool{}
	for _, p := range decoded {
		seen[p] = true
	}
	for _, p := range pages {
		require.True(t, seen[p])
	}
}

func TestGacoKeyOrdering(t *testing.T) {
	a := gacoKey(TxnID(1))
	b := gacoKey(TxnID(2))
	require.True(t, bytesLess(a, b))
	require.False(t, bytesLess(b, a))
}
