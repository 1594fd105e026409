package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNestedTxnCursorShadowRestoredOnAbort covers spec §4.2/§4.4: a cursor
// opened against a parent write transaction is shadowed onto a nested
// child, and restored to the parent, usable again, when the child aborts.
func TestNestedTxnCursorShadowRestoredOnAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("a"), []byte("1")))
	require.NoError(t, wtx.Put([]byte("b"), []byte("2")))

	c := wtx.NewCursor()
	ok, err := c.Set([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, wtx, c.tx, "cursor starts out owned by the parent")

	child, err := wtx.Nested()
	require.NoError(t, err)
	require.Same(t, child, c.tx, "Nested shadows the parent's open cursors onto the child")
	require.Empty(t, wtx.cursors, "parent may not use a shadowed cursor while the child is live")

	require.NoError(t, child.Put([]byte("c"), []byte("3")))
	require.NoError(t, child.Abort())

	require.Same(t, wtx, c.tx, "abort restores the cursor to the parent")
	key, val, ok := c.GetCurrent()
	require.True(t, ok)
	require.Equal(t, "a", string(key))
	require.Equal(t, "1", string(val))

	_, ok, err = wtx.Get([]byte("c"))
	require.NoError(t, err)
	require.False(t, ok, "the aborted child's write must not be visible")
	require.NoError(t, wtx.Commit())
}

// TestNestedTxnCursorShadowRetainedOnCommit covers the commit half of the
// same rule: a nested commit folds the child's cursors (shadowed and new)
// back onto the parent.
func TestNestedTxnCursorShadowRetainedOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.btreedb")
	env, err := Open(path, Options{PageSize: 4096, InitialPages: 16, GrowPages: 16})
	require.NoError(t, err)
	defer env.Close()

	wtx, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Put([]byte("a"), []byte("1")))

	c := wtx.NewCursor()
	ok, err := c.Set([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	child, err := wtx.Nested()
	require.NoError(t, err)
	require.NoError(t, child.Put([]byte("b"), []byte("2")))
	require.NoError(t, child.Commit())

	require.Same(t, wtx, c.tx)
	require.NoError(t, wtx.Commit())

	rtx, err := env.Begin()
	require.NoError(t, err)
	_, ok, err = rtx.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok, "the nested commit's write must survive the outer commit")
}
