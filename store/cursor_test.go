package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCursorDupSortScenario covers spec §8 scenario 2: put("k","a"),
// put("k","c"), put("k","b"); Count is 3, Set("k") lands on a, and
// NextDup x3 yields b, c, then nothing.
func TestCursorDupSortScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16, DupSort: true})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("k"), []byte("a")))
	require.NoError(t, wtx.Put([]byte("k"), []byte("c")))
	require.NoError(t, wtx.Put([]byte("k"), []byte("b")))
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	c := rtx.NewCursor()
	ok, err := c.Set([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := c.Count()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	var got []string
	_, v, ok := c.GetCurrent()
	require.True(t, ok)
	got = append(got, string(v))
	for i := 0; i < 2; i++ {
		ok, err = c.NextDup()
		require.NoError(t, err)
		require.True(t, ok)
		_, v, ok = c.GetCurrent()
		require.True(t, ok)
		got = append(got, string(v))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)

	ok, err = c.NextDup()
	require.NoError(t, err)
	require.False(t, ok, "group exhausted after its three members")
}

// TestCursorDupSortGetBoth covers GetBoth/GetBothRange positioning within
// a duplicate group.
func TestCursorDupSortGetBoth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16, DupSort: true})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	for _, v := range []string{"x", "m", "z"} {
		require.NoError(t, wtx.Put([]byte("k"), []byte(v)))
	}
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	c := rtx.NewCursor()

	ok, err := c.GetBoth([]byte("k"), []byte("m"))
	require.NoError(t, err)
	require.True(t, ok)
	_, v, _ := c.GetCurrent()
	require.Equal(t, "m", string(v))

	ok, err = c.GetBothRange([]byte("k"), []byte("n"))
	require.NoError(t, err)
	require.True(t, ok)
	_, v, _ = c.GetCurrent()
	require.Equal(t, "x", string(v))
}

// TestPutDupOverwritesNoDuplicate ensures re-putting the same (key, val)
// pair does not grow the duplicate group (idempotent, mdbx-dupsort style).
func TestPutDupOverwritesNoDuplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16, DupSort: true})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("k"), []byte("a")))
	require.NoError(t, wtx.Put([]byte("k"), []byte("a")))
	require.NoError(t, wtx.Put([]byte("k"), []byte("b")))
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	c := rtx.NewCursor()
	ok, err := c.Set([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	n, err := c.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

// TestDeleteDupKeyFreesSubtree checks that deleting a duplicate-sorted key
// removes it entirely, leaving no trace of its sub-tree's values behind.
func TestDeleteDupKeyFreesSubtree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16, DupSort: true})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("k"), []byte("a")))
	require.NoError(t, wtx.Put([]byte("k"), []byte("b")))
	require.NoError(t, wtx.Commit())

	wtx2, err := env.BeginWrite()
	require.NoError(t, err)
	ok, err := wtx2.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, wtx2.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	_, ok, err = rtx.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}
