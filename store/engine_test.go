package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

// TestPutGetIterate covers spec §8's basic put/get/iterate scenario.
func TestPutGetIterate(t *testing.T) {
	env := openTestEnv(t)

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		val := []byte(fmt.Sprintf("val-%02d", i))
		require.NoError(t, wtx.Put(key, val))
	}
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	val, ok, err := rtx.Get([]byte("key-05"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "val-05", string(val))

	c := rtx.NewCursor()
	ok, err = c.First()
	require.NoError(t, err)
	require.True(t, ok)
	count := 0
	for ok {
		count++
		ok, err = c.Next()
		require.NoError(t, err)
	}
	require.Equal(t, 10, count)
}

// TestOversizeValueOverflow covers spec §8's overflow_pages == 3 scenario:
// a value large enough to span three overflow pages round-trips intact.
func TestOversizeValueOverflow(t *testing.T) {
	env := openTestEnv(t)
	big := make([]byte, 3*4096-200) // spills across 3 overflow pages
	for i := range big {
		big[i] = byte(i)
	}

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("blob"), big))
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	got, ok, err := rtx.Get([]byte("blob"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, got)
}

// TestSnapshotIsolation covers spec §8's MVCC snapshot-isolation scenario:
// a reader begun before a write commits never observes it.
func TestSnapshotIsolation(t *testing.T) {
	env := openTestEnv(t)

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)

	wtx2, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx2.Put([]byte("a"), []byte("2")))
	require.NoError(t, wtx2.Commit())

	val, ok, err := rtx.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(val), "snapshot reader must not see the later commit")

	rtx2, err := env.Begin()
	require.NoError(t, err)
	val2, ok, err := rtx2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(val2))
}

// TestReclamationReuse covers spec §8's reclamation scenario: pages freed
// by a delete are eventually handed back out by a later allocation once no
// reader can still see them.
func TestReclamationReuse(t *testing.T) {
	env := openTestEnv(t)

	for i := 0; i < 5; i++ {
		wtx, err := env.BeginWrite()
		require.NoError(t, err)
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, wtx.Put(key, make([]byte, 100)))
		require.NoError(t, wtx.Commit())

		wtx2, err := env.BeginWrite()
		require.NoError(t, err)
		_, err = wtx2.Delete(key)
		require.NoError(t, err)
		require.NoError(t, wtx2.Commit())
	}

	before := env.geometry.Next

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("final"), make([]byte, 100)))
	require.NoError(t, wtx.Commit())

	require.LessOrEqual(t, env.geometry.Next, before+1,
		"a fresh put after several delete/commit rounds should reuse a reclaimed page rather than always growing")
}
