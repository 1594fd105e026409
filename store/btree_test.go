package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTreeSplitAndMerge drives enough inserts to force branch splits, then
// enough deletes to force merges back down, checking every key along the
// way (spec §4.5 fill-threshold merge, §4.2 traversal).
func TestTreeSplitAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 512, InitialPages: 8, GrowPages: 8})
	require.NoError(t, err)
	defer env.Close()

	const n = 200
	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, wtx.Put(key, []byte(fmt.Sprintf("v%04d", i))))
	}
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		val, ok, err := rtx.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", key)
		require.Equal(t, fmt.Sprintf("v%04d", i), string(val))
	}
	require.NoError(t, rtx.Commit())

	wtx2, err := env.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%04d", i))
		ok, err := wtx2.Delete(key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, wtx2.Commit())

	rtx2, err := env.Begin()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		_, ok, err := rtx2.Get(key)
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, ok, "key %s should have been deleted", key)
		} else {
			require.True(t, ok, "key %s should still be present", key)
		}
	}
}
